package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tis24dev/proxsync/internal/backup"
	"github.com/tis24dev/proxsync/internal/checks"
	"github.com/tis24dev/proxsync/internal/cli"
	"github.com/tis24dev/proxsync/internal/config"
	"github.com/tis24dev/proxsync/internal/guest"
	"github.com/tis24dev/proxsync/internal/logging"
	"github.com/tis24dev/proxsync/internal/metrics"
	"github.com/tis24dev/proxsync/internal/notify"
	"github.com/tis24dev/proxsync/internal/storage"
	"github.com/tis24dev/proxsync/internal/types"
)

const dumpStamp = "2026_10_17-03_00_00"

// stepClock fires every After immediately.
type stepClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// world is the shared state of the fakes: guest states and an ordered event log.
type world struct {
	states map[int]types.GuestState
	events []string
}

func (w *world) record(format string, args ...interface{}) {
	w.events = append(w.events, fmt.Sprintf(format, args...))
}

type fakeHypervisor struct {
	w        *world
	startErr error
}

func (h *fakeHypervisor) Status(ctx context.Context, g types.Guest) (types.GuestState, error) {
	return h.w.states[g.ID], nil
}

func (h *fakeHypervisor) Shutdown(ctx context.Context, g types.Guest) error {
	h.w.record("shutdown %d", g.ID)
	h.w.states[g.ID] = types.StateStopped
	return nil
}

func (h *fakeHypervisor) Start(ctx context.Context, g types.Guest) error {
	h.w.record("start %d", g.ID)
	if h.startErr != nil {
		return h.startErr
	}
	h.w.states[g.ID] = types.StateRunning
	return nil
}

type fakeDumper struct {
	w       *world
	kinds   fakeKinds
	failFor int
	dirs    map[int]string
}

func (d *fakeDumper) Vzdump(ctx context.Context, id int, mode, dumpDir string) error {
	d.w.record("vzdump %d (%s)", id, d.w.states[id])
	if d.dirs == nil {
		d.dirs = make(map[int]string)
	}
	d.dirs[id] = dumpDir
	if id == d.failFor {
		return errors.New("vzdump: job failed")
	}
	kind, _ := d.kinds.DetectKind(id)
	suffix := ".tar.zst"
	if kind == types.GuestVM {
		suffix = ".vma.zst"
	}
	base := filepath.Join(dumpDir, kind.ArtifactPrefix(id)+dumpStamp)
	if err := os.WriteFile(base+suffix, []byte("dump"), 0o640); err != nil {
		return err
	}
	return os.WriteFile(base+".log", []byte("INFO: Finished Backup"), 0o640)
}

type fakeKinds map[int]types.GuestKind

func (k fakeKinds) DetectKind(id int) (types.GuestKind, error) {
	kind, ok := k[id]
	if !ok {
		return "", fmt.Errorf("guest %d not found", id)
	}
	return kind, nil
}

type fakeRemote struct {
	w        *world
	missing  map[string]bool
	syncErr  error
	verified []string
}

func (r *fakeRemote) Remote() string { return "b2:pve" }

func (r *fakeRemote) Cleanup(ctx context.Context) error {
	r.w.record("rclone cleanup")
	return nil
}

func (r *fakeRemote) Sync(ctx context.Context, stagingDir string) error {
	r.w.record("rclone sync")
	return r.syncErr
}

func (r *fakeRemote) Verify(ctx context.Context, expected []string) error {
	r.w.record("rclone verify")
	r.verified = append([]string(nil), expected...)
	var missing []string
	for _, name := range expected {
		if r.missing[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &storage.VerificationError{Remote: r.Remote(), Missing: missing}
	}
	return nil
}

type fakeMount struct {
	w        *world
	notReady int // number of failing checks before success, -1 for never
	checks   int
}

func (m *fakeMount) Ready() error {
	m.checks++
	m.w.record("mount check")
	if m.notReady < 0 || m.checks <= m.notReady {
		return errors.New("/mnt/pve/backup is not mounted")
	}
	return nil
}

type harness struct {
	t       *testing.T
	w       *world
	cfg     *config.Config
	hv      *fakeHypervisor
	dumper  *fakeDumper
	remote  *fakeRemote
	mount   *fakeMount
	clock   *stepClock
	logs    *bytes.Buffer
	hostSrc string
	dryRun  bool
	look    func(string) (string, error)
	metrics *metrics.PrometheusExporter
	checks  Preflight
	notify  *notify.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	hostSrc := filepath.Join(root, "etc-pve")
	if err := os.MkdirAll(hostSrc, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hostSrc, "storage.cfg"), []byte("dir: local"), 0o640); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{"dump", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	w := &world{states: map[int]types.GuestState{
		100: types.StateRunning,
		101: types.StateRunning,
		102: types.StateStopped,
		200: types.StateRunning,
	}}
	kinds := fakeKinds{100: types.GuestContainer, 101: types.GuestContainer, 102: types.GuestContainer, 200: types.GuestVM}

	cfg := &config.Config{
		LogPath:           filepath.Join(root, "logs"),
		BackupDir:         filepath.Join(root, "dump"),
		MountPoint:        filepath.Join(root, "mnt"),
		StagingDir:        filepath.Join(root, "staging"),
		ScratchDir:        filepath.Join(root, "scratch"),
		WorkDir:           filepath.Join(root, "work"),
		StorageHostID:     100,
		DependentGuests:   []int{101, 102},
		IndependentGuests: []int{200},
		HostConfigPaths:   []string{hostSrc},
		VzdumpMode:        "snapshot",
		RetentionKeep:     3,
		MountWaitAttempts: 4,
		MountWaitInterval: 10 * time.Second,
	}

	return &harness{
		t:       t,
		w:       w,
		cfg:     cfg,
		hv:      &fakeHypervisor{w: w},
		dumper:  &fakeDumper{w: w, kinds: kinds},
		remote:  &fakeRemote{w: w},
		mount:   &fakeMount{w: w},
		clock:   &stepClock{now: time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)},
		logs:    &bytes.Buffer{},
		hostSrc: hostSrc,
		look:    func(name string) (string, error) { return "/usr/bin/" + name, nil },
	}
}

func (h *harness) run(raw string) (*RunResult, error) {
	h.t.Helper()
	targets, err := cli.ParseTargets(raw)
	if err != nil {
		h.t.Fatalf("ParseTargets(%q): %v", raw, err)
	}

	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(h.logs)

	controller := guest.NewController(h.hv, logger, guest.Options{DryRun: h.dryRun, PollInterval: 5 * time.Second, Clock: h.clock})
	executor := backup.NewExecutor(h.dumper, backup.NewArchiver(logger, backup.ArchiverConfig{}), logger, backup.ExecutorConfig{
		DryRun:          h.dryRun,
		VzdumpMode:      h.cfg.VzdumpMode,
		HostConfigPaths: h.cfg.HostConfigPaths,
		WorkDir:         h.cfg.WorkDir,
	})

	o := New(Deps{
		Config:   h.cfg,
		Logger:   logger,
		DryRun:   h.dryRun,
		Version:  "test",
		Guests:   controller,
		Kinds:    h.dumper.kinds,
		Backups:  executor,
		Local:    storage.NewLocal(h.cfg.BackupDir, logger, h.dryRun),
		Staging:  storage.NewStaging(h.cfg.StagingDir, logger),
		Remote:   h.remote,
		Mount:    h.mount,
		Checks:   h.checks,
		Metrics:  h.metrics,
		Notifier: h.notify,
		Clock:    h.clock,
		LookPath: h.look,
	})
	return o.Run(context.Background(), targets)
}

func (h *harness) seed(prefix string, stamps ...string) {
	h.t.Helper()
	for _, stamp := range stamps {
		for _, name := range []string{prefix + stamp + ".tar.zst", prefix + stamp + ".log"} {
			if err := os.WriteFile(filepath.Join(h.cfg.BackupDir, name), []byte("old"), 0o640); err != nil {
				h.t.Fatal(err)
			}
		}
	}
}

func (h *harness) guestEvents() []string {
	var out []string
	for _, e := range h.w.events {
		if strings.HasPrefix(e, "shutdown") || strings.HasPrefix(e, "start") || strings.HasPrefix(e, "vzdump") {
			out = append(out, e)
		}
	}
	return out
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRunStorageHostScenario(t *testing.T) {
	h := newHarness(t)
	h.mount.notReady = 2

	result, err := h.run("100")
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, h.logs.String())
	}

	want := []string{
		"shutdown 101",
		"shutdown 100",
		"vzdump 100 (stopped)",
		"start 100",
		"start 101",
		"start 102",
	}
	if got := h.guestEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("guest events = %v, want %v", got, want)
	}

	if h.dumper.dirs[100] != h.cfg.ScratchDir {
		t.Errorf("storage host dumped into %q, want scratch dir", h.dumper.dirs[100])
	}
	archive := "vzdump-lxc-100-" + dumpStamp + ".tar.zst"
	if _, err := os.Stat(filepath.Join(h.cfg.BackupDir, archive)); err != nil {
		t.Errorf("artifact not in canonical dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.BackupDir, "vzdump-lxc-100-"+dumpStamp+".log")); err != nil {
		t.Errorf("log not in canonical dir: %v", err)
	}
	if leftovers := listDir(t, h.cfg.ScratchDir); len(leftovers) != 0 {
		t.Errorf("scratch dir not emptied: %v", leftovers)
	}
	if h.mount.checks != 3 || len(h.clock.sleeps) != 2 {
		t.Errorf("mount checks = %d, sleeps = %d", h.mount.checks, len(h.clock.sleeps))
	}

	for id, state := range h.w.states {
		if state != types.StateRunning {
			t.Errorf("guest %d ends the run %s", id, state)
		}
	}

	if !reflect.DeepEqual(result.Staged, []string{"vzdump-lxc-100-" + dumpStamp + ".log", archive}) {
		t.Errorf("staged = %v", result.Staged)
	}
	if entries := listDir(t, h.cfg.StagingDir); len(entries) != 0 {
		t.Errorf("staging not cleared after success: %v", entries)
	}
	if result.ExitCode != types.ExitSuccess || !result.Verified {
		t.Errorf("result = %+v", result)
	}
}

func TestRunGuestLoopOrder(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	h.cfg.DependentGuests = []int{102, 101}

	result, err := h.run("all")
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, h.logs.String())
	}

	want := []string{
		"vzdump 102 (stopped)",
		"start 102",
		"vzdump 101 (running)",
		"vzdump 200 (running)",
	}
	if got := h.guestEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("guest events = %v, want %v", got, want)
	}
	for _, id := range []int{101, 102, 200} {
		if h.dumper.dirs[id] != h.cfg.BackupDir {
			t.Errorf("guest %d dumped into %q", id, h.dumper.dirs[id])
		}
	}

	var hostArchives int
	for _, name := range result.Staged {
		if strings.HasPrefix(name, types.HostConfigPrefix) && strings.HasSuffix(name, ".tar.zst") {
			hostArchives++
		}
	}
	if hostArchives != 1 || len(result.Staged) != 8 {
		t.Errorf("staged = %v", result.Staged)
	}
	if result.BackedUp() != 3 {
		t.Errorf("BackedUp = %d", result.BackedUp())
	}

	idx := func(name string) int {
		for i, e := range h.w.events {
			if e == name {
				return i
			}
		}
		return -1
	}
	if !(idx("rclone cleanup") < idx("rclone sync") && idx("rclone sync") < idx("rclone verify")) {
		t.Errorf("remote steps out of order: %v", h.w.events)
	}
}

func TestRunSelectedGuestBackedUpOnce(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0

	if _, err := h.run("101,101,all"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	count := 0
	for _, e := range h.w.events {
		if strings.HasPrefix(e, "vzdump 101") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("guest 101 dumped %d times", count)
	}
}

func TestRunLinksAndPrunesUnselectedTargets(t *testing.T) {
	h := newHarness(t)
	h.seed("vzdump-lxc-101-", "2026_10_01-03_00_00", "2026_10_02-03_00_00", "2026_10_03-03_00_00", "2026_10_04-03_00_00", "2026_10_05-03_00_00")
	orphan := "vzdump-lxc-101-2026_09_01-03_00_00.log"
	if err := os.WriteFile(filepath.Join(h.cfg.BackupDir, orphan), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	result, err := h.run("pve")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, e := range h.w.events {
		if strings.HasPrefix(e, "vzdump") {
			t.Fatalf("unexpected guest backup: %s", e)
		}
	}

	var remaining []string
	for _, name := range listDir(t, h.cfg.BackupDir) {
		if strings.HasPrefix(name, "vzdump-lxc-101-") {
			remaining = append(remaining, name)
		}
	}
	want := []string{
		"vzdump-lxc-101-2026_10_03-03_00_00.log",
		"vzdump-lxc-101-2026_10_03-03_00_00.tar.zst",
		"vzdump-lxc-101-2026_10_04-03_00_00.log",
		"vzdump-lxc-101-2026_10_04-03_00_00.tar.zst",
		"vzdump-lxc-101-2026_10_05-03_00_00.log",
		"vzdump-lxc-101-2026_10_05-03_00_00.tar.zst",
	}
	if !reflect.DeepEqual(remaining, want) {
		t.Fatalf("remaining = %v\nwant %v", remaining, want)
	}

	found := false
	for _, name := range result.Staged {
		if name == "vzdump-lxc-101-2026_10_05-03_00_00.tar.zst" {
			found = true
		}
	}
	if !found {
		t.Errorf("newest unselected artifact not staged: %v", result.Staged)
	}
	if result.Pruned() != 2 {
		t.Errorf("Pruned = %d", result.Pruned())
	}
	if h.w.states[102] != types.StateRunning {
		t.Errorf("stopped guest 102 not started by the loop")
	}
}

func TestRunStartsStoppedStorageHost(t *testing.T) {
	h := newHarness(t)
	h.w.states[100] = types.StateStopped

	if _, err := h.run("200"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"start 100", "mount check", "vzdump 200 (running)"}
	var got []string
	for _, e := range h.w.events {
		if e == "start 100" || e == "mount check" || strings.HasPrefix(e, "vzdump") {
			got = append(got, e)
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if h.w.states[100] != types.StateRunning {
		t.Errorf("storage host left stopped")
	}

	h2 := newHarness(t)
	if _, err := h2.run("200"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, e := range h2.w.events {
		if e == "start 100" || e == "mount check" {
			t.Errorf("running storage host touched: %v", h2.w.events)
		}
	}
}

func TestRunMountWaitExhausted(t *testing.T) {
	h := newHarness(t)
	h.mount.notReady = -1

	result, err := h.run("100,200")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := ExitCodeFor(err); code != types.ExitStorageError {
		t.Fatalf("exit code = %v", code)
	}
	if h.mount.checks != h.cfg.MountWaitAttempts {
		t.Errorf("mount checks = %d, want %d", h.mount.checks, h.cfg.MountWaitAttempts)
	}
	for _, e := range h.w.events {
		if strings.HasPrefix(e, "rclone") || e == "vzdump 200 (running)" {
			t.Errorf("run continued after fatal error: %s", e)
		}
	}
	if !reflect.DeepEqual(result.LeftStopped, []string{"lxc 101"}) {
		t.Errorf("LeftStopped = %v", result.LeftStopped)
	}
	if !strings.Contains(h.logs.String(), "Guests possibly left stopped after the failure: lxc 101") {
		t.Errorf("left-stopped guests not logged:\n%s", h.logs.String())
	}
	if got := listDir(t, h.cfg.ScratchDir); len(got) != 2 {
		t.Errorf("scratch artifact should stay in place: %v", got)
	}
	if result.Phase != "storage-host" {
		t.Errorf("Phase = %q", result.Phase)
	}
}

func TestRunVerificationFailureKeepsStaging(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	h.remote.missing = map[string]bool{"vzdump-qemu-200-" + dumpStamp + ".vma.zst": true}

	result, err := h.run("200")
	if err == nil {
		t.Fatal("expected verification failure")
	}
	if code := ExitCodeFor(err); code != types.ExitVerificationError {
		t.Fatalf("exit code = %v", code)
	}
	if !reflect.DeepEqual(result.RemoteMissing, []string{"vzdump-qemu-200-" + dumpStamp + ".vma.zst"}) {
		t.Errorf("RemoteMissing = %v", result.RemoteMissing)
	}
	staged := listDir(t, h.cfg.StagingDir)
	if !reflect.DeepEqual(staged, result.Staged) || len(staged) == 0 {
		t.Errorf("staging = %v, staged = %v", staged, result.Staged)
	}
	if !reflect.DeepEqual(h.remote.verified, result.Staged) {
		t.Errorf("verified %v, staged %v", h.remote.verified, result.Staged)
	}

	report, err := os.ReadFile(filepath.Join(h.cfg.LogPath, ReportFileName))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := gjson.GetBytes(report, "exit_code").Int(); got != int64(types.ExitVerificationError) {
		t.Errorf("report exit_code = %d", got)
	}
	if got := gjson.GetBytes(report, "remote_missing.0").String(); got != "vzdump-qemu-200-"+dumpStamp+".vma.zst" {
		t.Errorf("report remote_missing = %q", got)
	}
	if got := gjson.GetBytes(report, "error.phase").String(); got != "verify" {
		t.Errorf("report error.phase = %q", got)
	}
}

func TestRunBackupFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	h.dumper.failFor = 101

	_, err := h.run("all")
	if code := ExitCodeFor(err); code != types.ExitBackupError {
		t.Fatalf("exit code = %v (%v)", code, err)
	}
	for _, e := range h.w.events {
		if strings.HasPrefix(e, "vzdump 200") || strings.HasPrefix(e, "rclone") {
			t.Errorf("run continued after backup failure: %s", e)
		}
	}
}

func TestRunSyncFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	h.remote.syncErr = &storage.StorageError{Location: storage.LocationRemote, Operation: "sync", Path: "b2:pve", Err: errors.New("exit status 1"), Critical: true}

	_, err := h.run("pve")
	if code := ExitCodeFor(err); code != types.ExitNetworkError {
		t.Fatalf("exit code = %v (%v)", code, err)
	}
	if len(listDir(t, h.cfg.StagingDir)) == 0 {
		t.Error("staging cleared after failed sync")
	}
}

func TestRunGuestStartFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	h.hv.startErr = errors.New("CT 102 already locked")

	_, err := h.run("pve")
	if code := ExitCodeFor(err); code != types.ExitGuestError {
		t.Fatalf("exit code = %v (%v)", code, err)
	}
}

func TestRunDryRunChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.dryRun = true
	h.seed("vzdump-lxc-101-", "2026_10_01-03_00_00", "2026_10_02-03_00_00", "2026_10_03-03_00_00", "2026_10_04-03_00_00")
	orphan := "vzdump-lxc-101-2026_09_01-03_00_00.log"
	if err := os.WriteFile(filepath.Join(h.cfg.BackupDir, orphan), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	before := listDir(t, h.cfg.BackupDir)
	states := map[int]types.GuestState{}
	for id, s := range h.w.states {
		states[id] = s
	}

	result, err := h.run("all")
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, h.logs.String())
	}

	if got := h.guestEvents(); len(got) != 0 {
		t.Errorf("dry-run touched guests: %v", got)
	}
	if !reflect.DeepEqual(h.w.states, states) {
		t.Errorf("guest states changed: %v", h.w.states)
	}
	if after := listDir(t, h.cfg.BackupDir); !reflect.DeepEqual(after, before) {
		t.Errorf("canonical dir changed:\nbefore %v\nafter  %v", before, after)
	}
	if _, err := os.Stat(h.cfg.ScratchDir); !os.IsNotExist(err) {
		t.Errorf("scratch dir created in dry-run")
	}
	if _, err := os.Stat(h.cfg.WorkDir); !os.IsNotExist(err) {
		t.Errorf("work dir created in dry-run")
	}
	if h.mount.checks != 0 {
		t.Errorf("mount probed %d times in dry-run", h.mount.checks)
	}
	if _, err := os.Stat(h.cfg.StagingDir); !os.IsNotExist(err) {
		t.Errorf("staging dir created in dry-run")
	}
	if result.Synced || result.Verified {
		t.Errorf("dry-run marked as synced/verified")
	}

	logs := h.logs.String()
	for _, want := range []string{
		"Would shut down lxc 101",
		"Would delete old backup vzdump-lxc-101-2026_10_01-03_00_00.tar.zst",
		"Would run: vzdump 200",
		"Would start lxc 100",
		"Would start lxc 101",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("dry-run log missing %q", want)
		}
	}
}

func TestDryRunKeepsStagingOfFailedRun(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	archive := "vzdump-lxc-101-" + dumpStamp + ".tar.zst"
	h.remote.missing = map[string]bool{archive: true}
	if _, err := h.run("101"); ExitCodeFor(err) != types.ExitVerificationError {
		t.Fatalf("first run: %v", err)
	}
	kept := listDir(t, h.cfg.StagingDir)
	if len(kept) == 0 {
		t.Fatal("failed run left no staging entries")
	}

	h.remote.missing = nil
	h.dryRun = true
	result, err := h.run("pve")
	if err != nil {
		t.Fatalf("dry-run: %v", err)
	}
	if after := listDir(t, h.cfg.StagingDir); !reflect.DeepEqual(after, kept) {
		t.Errorf("dry-run changed staging:\nbefore %v\nafter  %v", kept, after)
	}
	found := false
	for _, name := range result.Staged {
		found = found || name == archive
	}
	if !found {
		t.Errorf("dry-run staged %v, want %s among them", result.Staged, archive)
	}
}

func TestRunPreflight(t *testing.T) {
	h := newHarness(t)
	h.look = func(name string) (string, error) {
		if name == "rclone" {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/sbin/" + name, nil
	}

	_, err := h.run("pve")
	if code := ExitCodeFor(err); code != types.ExitEnvironmentError {
		t.Fatalf("exit code = %v (%v)", code, err)
	}
	if len(h.w.events) != 0 {
		t.Fatalf("run started despite failed preflight: %v", h.w.events)
	}

	h2 := newHarness(t)
	h2.look = h.look
	h2.dryRun = true
	if _, err := h2.run("pve"); err != nil {
		t.Fatalf("dry-run should only warn: %v", err)
	}
}

func TestRunPreflightChecks(t *testing.T) {
	newChecked := func(t *testing.T, setup func(*config.Config)) (*harness, string) {
		h := newHarness(t)
		if setup != nil {
			setup(h.cfg)
		}
		h.cfg.LockFile = filepath.Join(t.TempDir(), "proxsync.lock")
		h.cfg.MaxLockAge = time.Hour
		logger := logging.New(types.LogLevelError, false)
		logger.SetOutput(io.Discard)
		cc := checks.NewCheckerConfig(h.cfg, false)
		cc.RequirePVE = false
		h.checks = checks.NewChecker(logger, cc)
		return h, h.cfg.LockFile
	}

	t.Run("lock held", func(t *testing.T) {
		h, lock := newChecked(t, nil)
		held := fmt.Sprintf("pid=%d\nhost=pve1\n", os.Getpid())
		if err := os.WriteFile(lock, []byte(held), 0o640); err != nil {
			t.Fatal(err)
		}

		_, err := h.run("all")
		if code := ExitCodeFor(err); code != types.ExitEnvironmentError {
			t.Fatalf("exit code = %v (%v)", code, err)
		}
		if len(h.w.events) != 0 {
			t.Fatalf("run started while locked: %v", h.w.events)
		}
		if data, _ := os.ReadFile(lock); string(data) != held {
			t.Fatalf("foreign lock touched: %q", data)
		}
	})

	t.Run("released after run", func(t *testing.T) {
		h, lock := newChecked(t, func(cfg *config.Config) { cfg.StorageHostID = 0 })

		if _, err := h.run("101"); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if _, err := os.Stat(h.cfg.ScratchDir); !os.IsNotExist(err) {
			t.Errorf("scratch created without a storage host: %v", err)
		}
		if _, err := os.Stat(lock); !os.IsNotExist(err) {
			t.Fatalf("lock not released: %v", err)
		}
	})
}

type recordingNotifier struct {
	sent []*notify.Data
}

func (r *recordingNotifier) Name() string { return "recorder" }

func (r *recordingNotifier) Send(_ context.Context, data *notify.Data) error {
	r.sent = append(r.sent, data)
	return nil
}

func TestRunNotifiesOnFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	h.remote.missing = map[string]bool{"vzdump-lxc-101-" + dumpStamp + ".tar.zst": true}
	rec := &recordingNotifier{}
	h.notify = notify.NewDispatcher(notify.PolicyFailure, logging.New(types.LogLevelError, false), rec)

	result, _ := h.run("101")
	if len(rec.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(rec.sent))
	}
	data := rec.sent[0]
	if data.Status != notify.StatusFailure || data.ExitCode != types.ExitVerificationError.Int() || data.FailedPhase != "verify" {
		t.Errorf("data = %+v", data)
	}
	if data.RunID != result.RunID || data.BackedUp != 1 || len(data.Outcomes) != len(result.Outcomes) {
		t.Errorf("data does not reflect the run: %+v", data)
	}
	if got := gjson.GetBytes(data.Report, "run_id").String(); got != result.RunID {
		t.Errorf("report run_id = %q", got)
	}

	h2 := newHarness(t)
	h2.cfg.StorageHostID = 0
	rec2 := &recordingNotifier{}
	h2.notify = notify.NewDispatcher(notify.PolicyFailure, logging.New(types.LogLevelError, false), rec2)
	if _, err := h2.run("101"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec2.sent) != 0 {
		t.Errorf("success notified under failure policy")
	}
}

func TestRunExportsMetrics(t *testing.T) {
	h := newHarness(t)
	h.cfg.StorageHostID = 0
	dir := t.TempDir()
	h.metrics = metrics.NewPrometheusExporter(dir, nil)

	if _, err := h.run("101"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "proxsync.prom"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"proxsync_exit_code 0", "proxsync_guests_backed_up 1"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics missing %q:\n%s", want, data)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ExitCode
	}{
		{"nil", nil, types.ExitSuccess},
		{"run error", &RunError{Phase: "sync", Err: errors.New("x"), Code: types.ExitNetworkError}, types.ExitNetworkError},
		{"guest", &guest.GuestError{Action: "start", Err: errors.New("x")}, types.ExitGuestError},
		{"backup", &backup.BackupError{Code: types.ExitArchiveError, Err: errors.New("x")}, types.ExitArchiveError},
		{"verify", fmt.Errorf("wrapped: %w", &storage.VerificationError{Missing: []string{"a"}}), types.ExitVerificationError},
		{"local storage", &storage.StorageError{Location: storage.LocationLocal, Err: errors.New("x")}, types.ExitStorageError},
		{"remote storage", &storage.StorageError{Location: storage.LocationRemote, Err: errors.New("x")}, types.ExitNetworkError},
		{"local permission", &storage.StorageError{Location: storage.LocationStaging, Err: os.ErrPermission}, types.ExitPermissionError},
		{"staging permission", &RunError{Phase: "staging", Err: &storage.StorageError{Location: storage.LocationStaging, Err: &os.PathError{Op: "unlinkat", Path: "/var/lib/proxsync/staging/x", Err: syscall.EACCES}}, Code: types.ExitStorageError}, types.ExitPermissionError},
		{"sync keeps its code", &RunError{Phase: "sync", Err: os.ErrPermission, Code: types.ExitNetworkError}, types.ExitNetworkError},
		{"other", errors.New("boom"), types.ExitGenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor() = %v, want %v", got, tt.want)
			}
		})
	}
}
