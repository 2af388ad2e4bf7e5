package pve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tis24dev/proxsync/internal/types"
)

type qmpMonitor interface {
	Connect() error
	Disconnect() error
	Run(command []byte) ([]byte, error)
}

func dialSocketMonitor(socket string) (qmpMonitor, error) {
	return qmp.NewSocketMonitor("unix", socket, 2*time.Second)
}

// qmpStatus asks QEMU directly. A VM without a socket is not running.
func (c *Client) qmpStatus(id int) (types.GuestState, error) {
	socket := filepath.Join(c.opts.QMPSocketDir, strconv.Itoa(id)+".qmp")
	if _, err := os.Stat(socket); errors.Is(err, os.ErrNotExist) {
		return types.StateStopped, nil
	}

	monitor, err := c.dialQMP(socket)
	if err != nil {
		return types.StateStopped, fmt.Errorf("qmp dial %s: %w", socket, err)
	}
	if err := monitor.Connect(); err != nil {
		return types.StateStopped, fmt.Errorf("qmp connect %s: %w", socket, err)
	}
	defer monitor.Disconnect()

	cmd, _ := sjson.Set("", "execute", "query-status")
	raw, err := monitor.Run([]byte(cmd))
	if err != nil {
		return types.StateStopped, fmt.Errorf("qmp query-status %d: %w", id, err)
	}

	ret := gjson.GetBytes(raw, "return")
	if !ret.Exists() {
		return types.StateStopped, fmt.Errorf("qmp query-status %d: unexpected reply %s", id, raw)
	}
	// "paused" or "prelaunch" VMs still hold their disks, so only an
	// explicit shutdown state counts as stopped.
	switch ret.Get("status").String() {
	case "shutdown", "guest-panicked", "internal-error":
		return types.StateStopped, nil
	}
	return types.StateRunning, nil
}
