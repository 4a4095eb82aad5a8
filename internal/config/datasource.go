package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"datacore/internal/shared"
)

// Dialect names understood by the registry.
const (
	DialectSQLite    = "sqlite"
	DialectPostgres  = "postgres"
	DialectMySQL     = "mysql"
	DialectSQLServer = "sqlserver"
)

// Pool defaults, matching the values the plugin suite shipped with.
const (
	DefaultMinIdle           = 1
	DefaultMaxTotal          = 10
	DefaultAcquireTimeout    = 5 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultMaxLifetime       = 30 * time.Minute
	DefaultLeakThreshold     = 60 * time.Second
	DefaultValidationTimeout = 2 * time.Second
	DefaultValidationBypass  = 500 * time.Millisecond
	DefaultDrainTimeout      = 10 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultWorkers           = 4
	DefaultQueueSize         = 256
)

// DataSource is a fully validated description of one logical data source.
// The registry keeps its own copy, so mutations after Register have no effect.
type DataSource struct {
	Name    string  `yaml:"name" validate:"required,max=64"`
	Dialect string  `yaml:"dialect" validate:"required,oneof=sqlite postgres mysql sqlserver"`
	File    File    `yaml:"file"`
	Network Network `yaml:"network"`
	Pool    Pool    `yaml:"pool"`
	Workers int     `yaml:"workers" validate:"gte=0,lte=256"`
	// QueueSize bounds submissions waiting for a worker.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
	// WaitReady probes networked servers with backoff before the pool is opened.
	WaitReady time.Duration `yaml:"wait_ready" validate:"gte=0"`
}

// File holds parameters of the embedded file-backed dialect.
type File struct {
	Path        string        `yaml:"path"`
	ReadOnly    bool          `yaml:"read_only"`
	WAL         *bool         `yaml:"wal"`
	ForeignKeys *bool         `yaml:"foreign_keys"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
	// TxLock is one of deferred, immediate, exclusive.
	TxLock string `yaml:"tx_lock" validate:"omitempty,oneof=deferred immediate exclusive"`
}

// Network holds parameters of the networked relational dialects.
type Network struct {
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port" validate:"gte=0,lte=65535"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	SSLMode  string            `yaml:"ssl_mode"`
	Params   map[string]string `yaml:"params"`
	// ConnectTimeout bounds establishing a single physical connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// Pool holds connection pool bounds.
type Pool struct {
	MinIdle           int           `yaml:"min_idle" validate:"gte=0"`
	MaxTotal          int           `yaml:"max_total" validate:"gte=0"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout" validate:"gte=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	MaxLifetime       time.Duration `yaml:"max_lifetime" validate:"gte=0"`
	LeakThreshold     time.Duration `yaml:"leak_threshold" validate:"gte=0"`
	ValidationTimeout time.Duration `yaml:"validation_timeout" validate:"gte=0"`
	ValidationBypass  time.Duration `yaml:"validation_bypass" validate:"gte=0"`
	DrainTimeout      time.Duration `yaml:"drain_timeout" validate:"gte=0"`
	SweepInterval     time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

var validate = validator.New()

// Embedded reports whether the data source uses the file-backed dialect.
func (d DataSource) Embedded() bool {
	return d.Dialect == DialectSQLite
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (d DataSource) WithDefaults() DataSource {
	p := &d.Pool
	if p.MaxTotal == 0 {
		p.MaxTotal = DefaultMaxTotal
	}
	if p.MinIdle == 0 {
		p.MinIdle = DefaultMinIdle
	}
	if p.AcquireTimeout == 0 {
		p.AcquireTimeout = DefaultAcquireTimeout
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	if p.MaxLifetime == 0 {
		p.MaxLifetime = DefaultMaxLifetime
	}
	if p.LeakThreshold == 0 {
		p.LeakThreshold = DefaultLeakThreshold
	}
	if p.ValidationTimeout == 0 {
		p.ValidationTimeout = DefaultValidationTimeout
	}
	if p.ValidationBypass == 0 {
		p.ValidationBypass = DefaultValidationBypass
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = DefaultDrainTimeout
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = DefaultSweepInterval
	}
	if d.Workers == 0 {
		d.Workers = DefaultWorkers
	}
	if d.QueueSize == 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.Embedded() {
		if d.File.BusyTimeout == 0 {
			d.File.BusyTimeout = 5 * time.Second
		}
		if d.File.TxLock == "" {
			d.File.TxLock = "immediate"
		}
	} else if d.Network.ConnectTimeout == 0 {
		d.Network.ConnectTimeout = DefaultAcquireTimeout
	}
	if len(d.Network.Params) > 0 {
		params := make(map[string]string, len(d.Network.Params))
		for k, v := range d.Network.Params {
			params[k] = v
		}
		d.Network.Params = params
	}
	return d
}

// Validate checks struct tags and cross-field rules. Errors wrap shared.ErrValidation.
func (d DataSource) Validate() error {
	if err := validate.Struct(d); err != nil {
		return shared.MarkKind(fmt.Errorf("datasource %q: %w", d.Name, err), shared.KindValidation)
	}
	var problems []string
	if d.Embedded() {
		if strings.TrimSpace(d.File.Path) == "" {
			problems = append(problems, "file.path is required for the sqlite dialect")
		}
	} else {
		if d.Network.Host == "" {
			problems = append(problems, "network.host is required for networked dialects")
		}
		if d.Network.Database == "" {
			problems = append(problems, "network.database is required for networked dialects")
		}
	}
	if d.Pool.MaxTotal > 0 && d.Pool.MinIdle > d.Pool.MaxTotal {
		problems = append(problems, fmt.Sprintf("pool.min_idle %d exceeds pool.max_total %d", d.Pool.MinIdle, d.Pool.MaxTotal))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: datasource %q: %s", shared.ErrValidation, d.Name, strings.Join(problems, "; "))
	}
	return nil
}
