package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// ErrNoPowerSettings is returned when a node cannot be woken up.
var ErrNoPowerSettings = errors.New("node has no wake-on-LAN settings")

const (
	defaultBroadcast = "255.255.255.255:9"
	magicPacketSize  = 6 + 16*6
)

// PowerConfig bounds how long a woken node may take to boot.
type PowerConfig struct {
	// WakeTimeout is the time allowed for a node daemon to answer after the
	// magic packet was sent.
	WakeTimeout time.Duration
	// PollInterval is the delay between health checks while waiting.
	PollInterval time.Duration
}

// DefaultPowerConfig returns the default boot wait settings.
func DefaultPowerConfig() PowerConfig {
	return PowerConfig{
		WakeTimeout:  3 * time.Minute,
		PollInterval: 5 * time.Second,
	}
}

// PacketSender sends a wake-on-LAN packet.
type PacketSender func(ctx context.Context, broadcast string, packet []byte) error

// PowerController suspends nodes over RPC and wakes them with wake-on-LAN.
type PowerController struct {
	pool   *DaemonPool
	config PowerConfig
	send   PacketSender
	logger *zap.Logger
}

// NewPowerController creates a power controller.
func NewPowerController(pool *DaemonPool, config PowerConfig, logger *zap.Logger) *PowerController {
	defaults := DefaultPowerConfig()
	if config.WakeTimeout <= 0 {
		config.WakeTimeout = defaults.WakeTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	return &PowerController{
		pool:   pool,
		config: config,
		send:   sendUDP,
		logger: logger.With(zap.String("component", "power")),
	}
}

// SetSender replaces the wake-on-LAN transport.
func (c *PowerController) SetSender(send PacketSender) {
	c.send = send
}

// Suspend asks the node daemon to suspend its host and drops the connection.
func (c *PowerController) Suspend(ctx context.Context, node *domain.Node) error {
	client, err := c.pool.Connect(node.ID, node.ControlAddress.String())
	if err != nil {
		return err
	}
	if err := client.Suspend(ctx, node.ID); err != nil {
		return fmt.Errorf("suspend node %s: %w", node.ID, err)
	}
	return c.pool.Disconnect(node.ID)
}

// WakeUp broadcasts a magic packet for the node's MAC address and waits
// until the node daemon reports healthy. A node that does not answer within
// the wake timeout fails with domain.ErrUnavailable.
func (c *PowerController) WakeUp(ctx context.Context, node *domain.Node) error {
	if node.Power.MACAddress == "" {
		return fmt.Errorf("%w: %s", ErrNoPowerSettings, node.ID)
	}
	if node.ControlAddress.IsZero() {
		return fmt.Errorf("%w: node %s has no control address", domain.ErrUnavailable, node.ID)
	}

	packet, err := MagicPacket(node.Power.MACAddress)
	if err != nil {
		return err
	}

	broadcast := node.Power.BroadcastAddress
	if broadcast == "" {
		broadcast = defaultBroadcast
	}

	c.logger.Info("Sending wake-on-LAN packet",
		zap.String("node_id", node.ID),
		zap.String("mac", node.Power.MACAddress),
		zap.String("broadcast", broadcast),
	)
	if err := c.send(ctx, broadcast, packet); err != nil {
		return err
	}
	return c.waitUntilHealthy(ctx, node)
}

func (c *PowerController) waitUntilHealthy(ctx context.Context, node *domain.Node) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.WakeTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		if c.healthy(ctx, node) {
			c.logger.Info("Node is up",
				zap.String("node_id", node.ID),
				zap.Int("attempts", attempts),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: node %s did not answer within %s",
				domain.ErrUnavailable, node.ID, c.config.WakeTimeout)
		case <-ticker.C:
		}
	}
}

func (c *PowerController) healthy(ctx context.Context, node *domain.Node) bool {
	client, err := c.pool.Connect(node.ID, node.ControlAddress.String())
	if err != nil {
		c.logger.Debug("Node daemon not reachable yet", zap.String("node_id", node.ID), zap.Error(err))
		return false
	}
	resp, err := client.HealthCheck(ctx)
	if err != nil {
		c.logger.Debug("Node daemon not healthy yet", zap.String("node_id", node.ID), zap.Error(err))
		return false
	}
	return resp != nil && resp.Healthy
}

// MagicPacket builds a wake-on-LAN payload: six 0xFF bytes followed by the
// hardware address repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q: expected 6 bytes", mac)
	}

	packet := make([]byte, 0, magicPacketSize)
	packet = append(packet, bytes.Repeat([]byte{0xFF}, 6)...)
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

func sendUDP(ctx context.Context, broadcast string, packet []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", broadcast)
	if err != nil {
		return fmt.Errorf("dial %s: %w", broadcast, err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}
	return nil
}
