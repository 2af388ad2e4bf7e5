// Package pve drives the Proxmox VE command line tools (pct, qm, pvesh, vzdump).
package pve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/types"
)

// Hypervisor is the guest control plane used by the lifecycle controller.
type Hypervisor interface {
	Status(ctx context.Context, g types.Guest) (types.GuestState, error)
	Shutdown(ctx context.Context, g types.Guest) error
	Start(ctx context.Context, g types.Guest) error
}

// Options configures a Client.
type Options struct {
	Node           string // pvesh node name, "localhost" resolves to the local node
	ConfigRoot     string // usually /etc/pve
	VMGuests       []int  // ids treated as qemu without looking at ConfigRoot
	VMStatusSource string // "pvesh" or "qmp"
	QMPSocketDir   string
}

// Client implements Hypervisor and the vzdump primitive on top of the PVE CLI tools.
type Client struct {
	runner CommandRunner
	logger *logging.Logger
	opts   Options

	dialQMP func(socket string) (qmpMonitor, error)
}

// NewClient creates a Client.
func NewClient(runner CommandRunner, logger *logging.Logger, opts Options) *Client {
	if opts.Node == "" {
		opts.Node = "localhost"
	}
	if opts.ConfigRoot == "" {
		opts.ConfigRoot = "/etc/pve"
	}
	if opts.QMPSocketDir == "" {
		opts.QMPSocketDir = "/var/run/qemu-server"
	}
	return &Client{
		runner:  runner,
		logger:  logger,
		opts:    opts,
		dialQMP: dialSocketMonitor,
	}
}

// DetectKind resolves whether id is a container or a VM from the cluster
// configuration tree. VM_GUESTS entries short-circuit the lookup.
func (c *Client) DetectKind(id int) (types.GuestKind, error) {
	for _, vm := range c.opts.VMGuests {
		if vm == id {
			return types.GuestVM, nil
		}
	}
	for _, kind := range []types.GuestKind{types.GuestContainer, types.GuestVM} {
		conf := filepath.Join(c.opts.ConfigRoot, kind.ConfigDir(), strconv.Itoa(id)+".conf")
		if _, err := os.Stat(conf); err == nil {
			return kind, nil
		}
	}
	return "", fmt.Errorf("guest %d: no configuration found under %s", id, c.opts.ConfigRoot)
}

// Status reports whether the guest is running. For VMs the QMP socket is
// queried instead of pvesh when configured to do so.
func (c *Client) Status(ctx context.Context, g types.Guest) (types.GuestState, error) {
	if g.Kind == types.GuestVM && c.opts.VMStatusSource == "qmp" {
		return c.qmpStatus(g.ID)
	}

	path := fmt.Sprintf("/nodes/%s/%s/%d/status/current", c.opts.Node, g.Kind, g.ID)
	out, err := c.runner.Run(ctx, "pvesh", "get", path, "--output-format", "json")
	if err != nil {
		return types.StateStopped, fmt.Errorf("pvesh status %s: %w: %s", g, err, strings.TrimSpace(string(out)))
	}
	return parseStatus(out)
}

func parseStatus(out []byte) (types.GuestState, error) {
	if !gjson.ValidBytes(out) {
		return types.StateStopped, fmt.Errorf("unexpected status output: %q", strings.TrimSpace(string(out)))
	}
	status := gjson.GetBytes(out, "status")
	if !status.Exists() {
		return types.StateStopped, fmt.Errorf("status field missing in %q", strings.TrimSpace(string(out)))
	}
	if status.String() == "running" {
		return types.StateRunning, nil
	}
	return types.StateStopped, nil
}

// Shutdown requests a graceful shutdown and returns once the request was accepted.
func (c *Client) Shutdown(ctx context.Context, g types.Guest) error {
	return c.lifecycle(ctx, g, "shutdown")
}

// Start requests a guest start without waiting for services inside it.
func (c *Client) Start(ctx context.Context, g types.Guest) error {
	return c.lifecycle(ctx, g, "start")
}

func (c *Client) lifecycle(ctx context.Context, g types.Guest, action string) error {
	out, err := c.runner.Run(ctx, g.Kind.CLI(), action, strconv.Itoa(g.ID))
	if err != nil {
		return fmt.Errorf("%s %s %d: %w: %s", g.Kind.CLI(), action, g.ID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// VzdumpArgs returns the vzdump argument list for a guest backup.
func VzdumpArgs(id int, mode, dumpDir string) []string {
	return []string{strconv.Itoa(id), "--mode", mode, "--compress", "zstd", "--dumpdir", dumpDir}
}

// Vzdump backs up one guest into dumpDir. vzdump writes the archive and its
// .log side by side.
func (c *Client) Vzdump(ctx context.Context, id int, mode, dumpDir string) error {
	out, err := c.runner.Run(ctx, "vzdump", VzdumpArgs(id, mode, dumpDir)...)
	if err != nil {
		return fmt.Errorf("vzdump %d: %w: %s", id, err, lastLines(string(out), 5))
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
