// Package environment identifies the host proxsync runs on.
package environment

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var pveVersionRe = regexp.MustCompile(`pve-manager/([0-9]+\.[0-9]+(?:[.-][0-9]+)*)`)

// Info describes the detected host.
type Info struct {
	PVE     bool
	Version string // "unknown" when PVE is detected without a version
	Source  string // what identified the node: command, version-file, sources, directory
	// Container names the runtime when proxsync itself runs inside one.
	Container string
}

// String renders a one-line description for logs.
func (i *Info) String() string {
	if !i.PVE {
		return "not a Proxmox VE node"
	}
	s := fmt.Sprintf("Proxmox VE %s (via %s)", i.Version, i.Source)
	if i.Container != "" {
		s += ", inside " + i.Container
	}
	return s
}

// Detector probes a filesystem tree and the pveversion command. The zero
// value is not usable; use NewDetector.
type Detector struct {
	Root     string
	LookPath func(string) (string, error)
	Run      func(ctx context.Context, name string, args ...string) (string, error)
	Getenv   func(string) string
}

// NewDetector returns a detector for the running system.
func NewDetector() *Detector {
	return &Detector{
		Root:     "/",
		LookPath: exec.LookPath,
		Run:      runCommand,
		Getenv:   os.Getenv,
	}
}

// Detect checks, in order, pveversion, the version files, the apt sources
// and the cluster directories. It never fails; an undetected node reports PVE false.
func (d *Detector) Detect(ctx context.Context) *Info {
	info := &Info{Container: d.container()}

	if path, err := d.LookPath("pveversion"); err == nil {
		info.PVE, info.Source, info.Version = true, "command", "unknown"
		if out, err := d.Run(ctx, path); err == nil {
			if v := extractPVEVersion(out); v != "" {
				info.Version = v
			}
		}
		return info
	}

	if v := d.readTrim("etc/pve-manager/version"); v != "" {
		info.PVE, info.Source, info.Version = true, "version-file", v
		return info
	}
	if data := d.readTrim("etc/pve/pve.version"); data != "" {
		info.PVE, info.Source, info.Version = true, "version-file", "unknown"
		if v := extractPVEVersion(data); v != "" {
			info.Version = v
		}
		return info
	}

	if strings.Contains(strings.ToLower(d.readTrim("etc/apt/sources.list.d/proxmox.list")), "pve") {
		info.PVE, info.Source, info.Version = true, "sources", "unknown"
		return info
	}

	for _, dir := range []string{"etc/pve", "var/lib/pve-cluster"} {
		if st, err := os.Stat(d.path(dir)); err == nil && st.IsDir() {
			info.PVE, info.Source, info.Version = true, "directory", "unknown"
			return info
		}
	}
	return info
}

// container returns the container runtime name, or "" on bare metal or a VM.
func (d *Detector) container() string {
	if v := d.readTrim("run/systemd/container"); v != "" {
		return v
	}
	if v := strings.TrimSpace(d.Getenv("container")); v != "" {
		return v
	}
	if _, err := os.Stat(d.path(".dockerenv")); err == nil {
		return "docker"
	}
	if _, err := os.Stat(d.path("run/.containerenv")); err == nil {
		return "podman"
	}
	return containerHintFromCgroup(d.readTrim("proc/1/cgroup"))
}

func containerHintFromCgroup(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "kubepods"):
		return "kubernetes"
	case strings.Contains(lower, "docker"):
		return "docker"
	case strings.Contains(lower, "libpod"), strings.Contains(lower, "podman"):
		return "podman"
	case strings.Contains(lower, "/lxc"):
		return "lxc"
	}
	return ""
}

func (d *Detector) path(rel string) string {
	return filepath.Join(d.Root, rel)
}

func (d *Detector) readTrim(rel string) string {
	data, err := os.ReadFile(d.path(rel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, name, args...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command %s timed out", name)
	}
	if err != nil {
		return "", err
	}
	return string(output), nil
}

func extractPVEVersion(output string) string {
	if match := pveVersionRe.FindStringSubmatch(output); len(match) >= 2 {
		return match[1]
	}
	return ""
}
