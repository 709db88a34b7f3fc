// Copyright (C) 2025 The txretry Authors.
// See LICENSE for copying information.

// Package innodbstatus captures InnoDB engine status dumps when transactions
// break on lock contention, so the locks involved can be inspected later.
package innodbstatus

import (
	"context"
	"strings"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"storj.io/common/uuid"
)

var mon = monkit.Package()

// Adapter is the driver name status dumps are supported for.
const Adapter = "mysql"

// DB is the database surface the monitor needs.
type DB interface {
	Adapter() string
	SelectValue(ctx context.Context, query string, args ...interface{}) (string, error)
	SelectOne(ctx context.Context, query string, args ...interface{}) (map[string]string, error)
}

type state int

const (
	stateUnresolved state = iota
	stateReady
	stateDisabled
)

// Monitor lazily resolves the status command the server supports and writes
// dumps to the log. Everything it does is best effort: a monitor never fails
// its caller. Safe for concurrent use.
type Monitor struct {
	log *zap.Logger
	db  DB

	mu      sync.Mutex
	state   state
	command string
}

// NewMonitor constructs a Monitor reading from db.
func NewMonitor(log *zap.Logger, db DB) *Monitor {
	return &Monitor{log: log, db: db}
}

// Resolve decides, at most once per process, which status command the server
// supports, if any. It probes the command once so missing privileges disable
// dumps up front instead of failing on every contention.
func (m *Monitor) Resolve(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateUnresolved {
		return
	}

	if m.db.Adapter() != Adapter {
		m.disable("adapter")
		m.log.Debug("innodb status disabled", zap.String("adapter", m.db.Adapter()))
		return
	}

	version, err := m.db.SelectValue(ctx, "SELECT VERSION()")
	if err != nil {
		m.disable("version_query")
		m.log.Info("cannot resolve innodb status command", zap.Error(err))
		return
	}

	command := statusCommand(version)
	if _, err := m.queryStatus(ctx, command); err != nil {
		m.disable("probe")
		m.log.Info("innodb status not permitted", zap.String("version", version), zap.Error(err))
		return
	}

	m.state = stateReady
	m.command = command
	m.log.Debug("innodb status resolved", zap.String("version", version), zap.String("command", command))
}

// LogStatus writes one status dump to the log, each line tagged with a short
// random identifier so concurrent dumps stay separable. Failures are logged
// and swallowed.
func (m *Monitor) LogStatus(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateReady {
		return
	}

	status, err := m.queryStatus(ctx, m.command)
	if err != nil {
		m.log.Info("cannot log innodb status", zap.Error(err))
		return
	}
	id, err := uuid.New()
	if err != nil {
		m.log.Info("cannot log innodb status", zap.Error(err))
		return
	}

	log := m.log.With(zap.String("status id", id.String()[:8]))
	lines := strings.Split(strings.TrimRight(status, "\n"), "\n")
	log.Info("innodb status follows", zap.Int("lines", len(lines)))
	for _, line := range lines {
		log.Info("innodb status", zap.String("line", line))
	}
}

// Command reports the resolved status command. ok is false while unresolved
// and when dumps are disabled.
func (m *Monitor) Command() (command string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command, m.state == stateReady
}

// Reset forgets the resolution so the next Resolve probes the server again.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = stateUnresolved
	m.command = ""
}

func (m *Monitor) disable(reason string) {
	m.state = stateDisabled
	mon.Event("innodb_status_disabled", monkit.NewSeriesTag("reason", reason))
}

func (m *Monitor) queryStatus(ctx context.Context, command string) (string, error) {
	row, err := m.db.SelectOne(ctx, command)
	if err != nil {
		return "", err
	}
	return row["Status"], nil
}

// engineStatusVersion is the first server version whose dump moved under
// SHOW ENGINE.
var engineStatusVersion = semver.MustParse("5.5.0")

// statusCommand picks the status command for a VERSION() string. Build
// suffixes like "-log" or "-0ubuntu0.22.04.1" are ignored; unparseable
// versions get the modern command and the probe has the final say.
func statusCommand(version string) string {
	base, _, _ := strings.Cut(version, "-")
	parsed, err := semver.ParseTolerant(base)
	if err != nil || parsed.GE(engineStatusVersion) {
		return "SHOW ENGINE INNODB STATUS"
	}
	return "SHOW INNODB STATUS"
}
