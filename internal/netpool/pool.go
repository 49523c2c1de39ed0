// Package netpool maintains a pool of pre-built network namespaces. Every
// namespace carries an identical guest-facing network so a snapshot taken in
// one slot restores in any other; only the host-side address differs.
package netpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/cochaviz/vessel/internal/logging"
)

var (
	// ErrExhausted is returned when every slot up to Config.Max is leased.
	ErrExhausted = errors.New("namespace pool exhausted")
	// ErrUnknown is returned when releasing a namespace the pool did not lease.
	ErrUnknown = errors.New("namespace not leased from this pool")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("namespace pool closed")
)

// Namespace is a leased network namespace.
type Namespace struct {
	Name  string
	Index int

	// Guest side, identical in every slot.
	GuestIP      string
	TapIP        string
	TapName      string
	TapPrefixLen int

	// Host side, unique per slot. HostIP is the address the guest's traffic
	// leaves the namespace with and the key used in the VM registry.
	HostIP    string
	GatewayIP string
	VethHost  string
	VethPeer  string
}

// GuestNetmask returns the dotted netmask of the guest link.
func (n Namespace) GuestNetmask() string {
	mask := net.CIDRMask(n.TapPrefixLen, 32)
	return net.IP(mask).String()
}

// Provisioner builds and tears down the kernel objects backing a slot.
type Provisioner interface {
	Create(ctx context.Context, ns Namespace) error
	Destroy(ns Namespace) error
}

// Pool leases namespaces. Released namespaces go back to the free list
// unchanged.
type Pool struct {
	cfg    Config
	prov   Provisioner
	logger *slog.Logger

	mu       sync.Mutex
	free     []Namespace
	leased   map[string]Namespace
	reserved map[int]bool
	closed   bool
}

// New returns an empty pool. Call Warm to pre-create slots.
func New(cfg Config, prov Provisioner, logger *slog.Logger) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prov == nil {
		return nil, errors.New("namespace provisioner is required")
	}
	return &Pool{
		cfg:      cfg,
		prov:     prov,
		logger:   logging.Ensure(logger).With(logging.ComponentKey, "netns_pool", "prefix", cfg.Prefix),
		leased:   make(map[string]Namespace),
		reserved: make(map[int]bool),
	}, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Warm creates slots until PoolSize namespaces are free.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if len(p.free) >= p.cfg.PoolSize {
			p.mu.Unlock()
			return nil
		}
		ns, err := p.reserveLocked()
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if err := p.build(ctx, ns); err != nil {
			return err
		}
		p.mu.Lock()
		p.free = append(p.free, ns)
		p.mu.Unlock()
	}
}

// Acquire leases a namespace, creating a new slot when none is free.
func (p *Pool) Acquire(ctx context.Context) (Namespace, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Namespace{}, ErrClosed
	}
	if n := len(p.free); n > 0 {
		ns := p.free[0]
		p.free = p.free[1:]
		p.leased[ns.Name] = ns
		p.mu.Unlock()
		p.logger.Debug("namespace acquired", "name", ns.Name, "host_ip", ns.HostIP)
		return ns, nil
	}
	ns, err := p.reserveLocked()
	p.mu.Unlock()
	if err != nil {
		return Namespace{}, err
	}

	p.logger.Info("namespace pool empty, creating slot", "name", ns.Name)
	if err := p.build(ctx, ns); err != nil {
		return Namespace{}, err
	}
	p.mu.Lock()
	p.leased[ns.Name] = ns
	p.mu.Unlock()
	return ns, nil
}

// Release returns a leased namespace to the pool.
func (p *Pool) Release(ns Namespace) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[ns.Name]; !ok {
		return fmt.Errorf("release %s: %w", ns.Name, ErrUnknown)
	}
	delete(p.leased, ns.Name)
	if p.closed {
		return nil
	}
	p.free = append(p.free, p.slot(ns.Index))
	p.logger.Debug("namespace released", "name", ns.Name, "available", len(p.free))
	return nil
}

// Available reports the number of free namespaces.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size reports the number of slots that exist, free or leased.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// Close destroys every slot, leased ones included.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	indexes := make([]int, 0, len(p.reserved))
	for idx := range p.reserved {
		indexes = append(indexes, idx)
	}
	p.free = nil
	p.reserved = make(map[int]bool)
	p.mu.Unlock()

	sort.Ints(indexes)
	var errs []error
	for _, idx := range indexes {
		if err := p.prov.Destroy(p.slot(idx)); err != nil {
			errs = append(errs, fmt.Errorf("destroy slot %d: %w", idx, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) reserveLocked() (Namespace, error) {
	for idx := 0; idx < p.cfg.Max; idx++ {
		if p.reserved[idx] {
			continue
		}
		p.reserved[idx] = true
		return p.slot(idx), nil
	}
	return Namespace{}, ErrExhausted
}

func (p *Pool) build(ctx context.Context, ns Namespace) error {
	if err := p.prov.Create(ctx, ns); err != nil {
		if derr := p.prov.Destroy(ns); derr != nil {
			p.logger.Warn("cleanup of failed namespace", "name", ns.Name, "error", derr)
		}
		p.mu.Lock()
		delete(p.reserved, ns.Index)
		p.mu.Unlock()
		return fmt.Errorf("create namespace %s: %w", ns.Name, err)
	}
	p.logger.Info("namespace created", "name", ns.Name, "host_ip", ns.HostIP)
	return nil
}

func (p *Pool) slot(idx int) Namespace {
	gateway, host := p.cfg.slotAddresses(idx)
	return Namespace{
		Name:         fmt.Sprintf("%s-%d", p.cfg.Prefix, idx),
		Index:        idx,
		GuestIP:      p.cfg.GuestIP,
		TapIP:        p.cfg.TapIP,
		TapName:      p.cfg.TapName,
		TapPrefixLen: p.cfg.TapPrefixLen,
		HostIP:       host.String(),
		GatewayIP:    gateway.String(),
		VethHost:     fmt.Sprintf("%sh%d", p.cfg.Prefix, idx),
		VethPeer:     fmt.Sprintf("%sn%d", p.cfg.Prefix, idx),
	}
}
