package sink

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"firestige.xyz/camrelay/internal/log"
)

// ChannelOptions configures the datagram socket.
type ChannelOptions struct {
	Address   string // host:port, multicast or unicast
	TTL       int    // multicast hop limit
	Loopback  bool   // deliver multicast to local listeners
	Interface string // outgoing multicast interface, empty for the default route
	JoinGroup bool   // also join the destination group
}

// Channel is an IPv4 UDP socket configured for the destination.
type Channel struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	dst    *net.UDPAddr
	ifi    *net.Interface
	joined bool
}

var _ PacketWriter = (*Channel)(nil)

// OpenChannel resolves the destination and prepares an unconnected socket.
// For multicast destinations the TTL, loopback and interface options are
// applied and the group is joined on request.
func OpenChannel(opts ChannelOptions) (*Channel, error) {
	dst, err := net.ResolveUDPAddr("udp4", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", opts.Address, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("open datagram socket: %w", err)
	}

	c := &Channel{conn: conn, pc: ipv4.NewPacketConn(conn), dst: dst}
	if dst.IP.IsMulticast() {
		if err := c.configureMulticast(opts); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"local":     conn.LocalAddr().String(),
		"dest":      dst.String(),
		"multicast": dst.IP.IsMulticast(),
	}).Info("datagram channel open")
	return c, nil
}

func (c *Channel) configureMulticast(opts ChannelOptions) error {
	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			return fmt.Errorf("multicast interface %q: %w", opts.Interface, err)
		}
		if err := c.pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
		c.ifi = ifi
	}
	if err := c.pc.SetMulticastTTL(opts.TTL); err != nil {
		return fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := c.pc.SetMulticastLoopback(opts.Loopback); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	if opts.JoinGroup {
		if err := c.pc.JoinGroup(c.ifi, &net.UDPAddr{IP: c.dst.IP}); err != nil {
			return fmt.Errorf("join group %s: %w", c.dst.IP, err)
		}
		c.joined = true
	}
	return nil
}

// Destination returns the resolved peer.
func (c *Channel) Destination() net.Addr { return c.dst }

// LocalAddr returns the bound local address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// WriteTo sends one datagram.
func (c *Channel) WriteTo(p []byte, addr net.Addr) (int, error) {
	return c.conn.WriteTo(p, addr)
}

// Close leaves the group if joined and closes the socket.
func (c *Channel) Close() error {
	var errs []error
	if c.joined {
		if err := c.pc.LeaveGroup(c.ifi, &net.UDPAddr{IP: c.dst.IP}); err != nil {
			errs = append(errs, err)
		}
		c.joined = false
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
