// Package doctor runs non-destructive health checks against a data dir:
// layout and permissions, database integrity, daemon liveness, provider
// CLIs, configured timezone, and adapter reachability. Everything is
// read-only apart from a short-lived writability probe file.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/gateway"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/provider"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusWarn = "WARN"
	statusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Healthy reports whether no check failed. Warnings count as healthy;
// they describe states the daemon recovers from on its own.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == statusFail {
			return false
		}
	}
	return true
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against the data dir.
func Run(ctx context.Context, dataDir, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, string) CheckResult{
		checkLayout,
		checkDatabase,
		checkDaemon,
		checkConfiguration,
		checkProviders,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, dataDir))
	}

	return d
}

func checkLayout(_ context.Context, dataDir string) CheckResult {
	info, err := os.Stat(dataDir)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Data dir", Status: statusWarn,
			Message: fmt.Sprintf("%s does not exist yet", dataDir),
			Detail:  "the daemon creates it on first start"}
	}
	if err != nil {
		return CheckResult{Name: "Data dir", Status: statusFail,
			Message: fmt.Sprintf("stat %s: %v", dataDir, err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Data dir", Status: statusFail,
			Message: fmt.Sprintf("%s is not a directory", dataDir)}
	}

	probe := filepath.Join(dataDir, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "Data dir", Status: statusFail,
			Message: fmt.Sprintf("not writable: %v", err)}
	}
	os.Remove(probe)

	return CheckResult{Name: "Data dir", Status: statusPass,
		Message: fmt.Sprintf("%s writable", dataDir)}
}

func checkDatabase(ctx context.Context, dataDir string) CheckResult {
	dbPath := config.DBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: statusWarn,
			Message: "database not created yet",
			Detail:  "the daemon creates it on first start"}
	}

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: statusFail,
			Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	var verdict string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA quick_check;").Scan(&verdict); err != nil {
		return CheckResult{Name: "Database", Status: statusFail,
			Message: fmt.Sprintf("integrity check failed: %v", err)}
	}
	if verdict != "ok" {
		return CheckResult{Name: "Database", Status: statusFail,
			Message: "integrity check reported corruption", Detail: verdict}
	}

	return CheckResult{Name: "Database", Status: statusPass,
		Message: "schema and integrity ok"}
}

func checkDaemon(ctx context.Context, dataDir string) CheckResult {
	sock := config.SocketPath(dataDir)
	if _, err := os.Stat(sock); os.IsNotExist(err) {
		detail := ""
		if _, err := os.Stat(config.PIDPath(dataDir)); err == nil {
			detail = "a pid file is present without a socket; the previous daemon likely crashed"
		}
		return CheckResult{Name: "Daemon", Status: statusWarn,
			Message: "daemon not running", Detail: detail}
	}

	cl, err := gateway.Dial(sock)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: statusWarn,
			Message: "socket file present but nothing answers",
			Detail:  "stale socket; the next daemon start replaces it"}
	}
	defer cl.Close()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out struct {
		Completed bool `json:"completed"`
	}
	if err := cl.Call(callCtx, "setup.check", nil, &out); err != nil {
		return CheckResult{Name: "Daemon", Status: statusFail,
			Message: fmt.Sprintf("daemon answered the dial but not the rpc: %v", err)}
	}

	msg := "daemon answering"
	if !out.Completed {
		msg += " (setup not completed)"
	}
	return CheckResult{Name: "Daemon", Status: statusPass, Message: msg}
}

// checkConfiguration reads setup state and the boss timezone straight from
// the store, so it works whether or not the daemon is up.
func checkConfiguration(ctx context.Context, dataDir string) CheckResult {
	dbPath := config.DBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{Name: "Configuration", Status: statusSkip,
			Message: "database not created yet"}
	}

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Configuration", Status: statusSkip,
			Message: fmt.Sprintf("database unavailable: %v", err)}
	}
	defer store.Close()

	done, err := store.SetupCompleted(ctx)
	if err != nil {
		return CheckResult{Name: "Configuration", Status: statusFail,
			Message: fmt.Sprintf("read setup state: %v", err)}
	}
	if !done {
		return CheckResult{Name: "Configuration", Status: statusWarn,
			Message: "setup not completed",
			Detail:  "run hiboss setup to mint the boss token"}
	}

	tz, err := store.GetConfigDefault(ctx, persistence.ConfigKeyBossTimezone, "")
	if err != nil {
		return CheckResult{Name: "Configuration", Status: statusFail,
			Message: fmt.Sprintf("read timezone: %v", err)}
	}
	if tz == "" {
		return CheckResult{Name: "Configuration", Status: statusPass,
			Message: "setup completed, timezone host-local"}
	}
	if _, err := clock.LoadTimezone(tz); err != nil {
		return CheckResult{Name: "Configuration", Status: statusFail,
			Message: fmt.Sprintf("configured timezone unusable: %v", err),
			Detail:  "cron schedules cannot fire until the timezone is fixed or the tzdata is installed"}
	}
	return CheckResult{Name: "Configuration", Status: statusPass,
		Message: fmt.Sprintf("setup completed, timezone %s", tz)}
}

func checkProviders(_ context.Context, _ string) CheckResult {
	names := provider.NewRegistry(slog.Default()).Names()

	var found, missing []string
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			missing = append(missing, name)
		} else {
			found = append(found, name)
		}
	}

	switch {
	case len(found) == 0:
		return CheckResult{Name: "Providers", Status: statusFail,
			Message: "no provider CLI on PATH",
			Detail:  fmt.Sprintf("missing: %s; no agent can run", strings.Join(missing, ", "))}
	case len(missing) > 0:
		return CheckResult{Name: "Providers", Status: statusWarn,
			Message: fmt.Sprintf("%s on PATH, %s missing", strings.Join(found, ", "), strings.Join(missing, ", ")),
			Detail:  "agents registered for a missing provider cannot run"}
	default:
		return CheckResult{Name: "Providers", Status: statusPass,
			Message: fmt.Sprintf("%s on PATH", strings.Join(found, ", "))}
	}
}

// adapterHosts maps adapter types to the API host each one needs.
var adapterHosts = map[string]string{
	"telegram": "api.telegram.org",
}

// checkNetwork resolves the API hosts of adapters that are actually bound,
// and skips entirely when no bindings exist.
func checkNetwork(ctx context.Context, dataDir string) CheckResult {
	dbPath := config.DBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{Name: "Network", Status: statusSkip,
			Message: "database not created yet"}
	}

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Network", Status: statusSkip,
			Message: fmt.Sprintf("database unavailable: %v", err)}
	}
	defer store.Close()

	bindings, err := store.ListBindings(ctx)
	if err != nil {
		return CheckResult{Name: "Network", Status: statusSkip,
			Message: fmt.Sprintf("list bindings: %v", err)}
	}

	types := map[string]bool{}
	for _, b := range bindings {
		types[b.AdapterType] = true
	}
	if len(types) == 0 {
		return CheckResult{Name: "Network", Status: statusSkip,
			Message: "no channel bindings"}
	}

	hosts := make([]string, 0, len(types))
	for t := range types {
		if host := adapterHosts[t]; host != "" {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)

	var resolved []string
	for _, host := range hosts {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		cancel()
		if err != nil {
			return CheckResult{Name: "Network", Status: statusFail,
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
				Detail:  "bound adapters cannot reach their API"}
		}
		resolved = append(resolved,
			fmt.Sprintf("%s (%d addresses, %dms)", host, len(addrs), time.Since(start).Milliseconds()))
	}

	return CheckResult{Name: "Network", Status: statusPass,
		Message: strings.Join(resolved, "; ")}
}
