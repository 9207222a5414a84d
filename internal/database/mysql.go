package database

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/kebairia/posebackup/internal/config"
	"github.com/kebairia/posebackup/internal/logger"
)

// stderrLimit bounds how much mysqldump diagnostics are kept for errors.
const stderrLimit = 4 << 10

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL holds configuration for dumping the pose-records database. The
// connection pool is shared with the rest of the process and only used
// for health checks; dumps go through mysqldump's own connection.
type MySQL struct {
	Username string
	Password string
	Database string
	Host     string
	Port     string
	DumpBin  string
	Timeout  time.Duration
	Logger   logger.Logger

	pool *sql.DB
}

// NewMySQL returns a MySQL configured from cfg plus any overrides.
func NewMySQL(cfg config.Config, opts ...MySQLOption) (*MySQL, error) {
	m := &MySQL{
		Username: cfg.MySQL.User,
		Password: cfg.MySQL.Password,
		Database: cfg.MySQL.Database,
		Host:     cfg.MySQL.Host,
		Port:     cfg.MySQL.Port,
		DumpBin:  cfg.MySQL.DumpBin,
		Timeout:  cfg.Backup.Timeout,
		Logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.DumpBin == "" {
		m.DumpBin = "mysqldump"
	}

	dsn := mysqldriver.NewConfig()
	dsn.User = m.Username
	dsn.Passwd = m.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(m.Host, m.Port)
	dsn.DBName = m.Database
	dsn.Timeout = 10 * time.Second
	dsn.ParseTime = true
	connector, err := mysqldriver.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	m.pool = sql.OpenDB(connector)
	m.pool.SetMaxOpenConns(4)
	m.pool.SetConnMaxIdleTime(5 * time.Minute)
	return m, nil
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLPort overrides the port.
func WithMySQLPort(port string) MySQLOption {
	return func(m *MySQL) {
		if port != "" {
			m.Port = port
		}
	}
}

// WithMySQLDatabase sets the database name.
func WithMySQLDatabase(db string) MySQLOption {
	return func(m *MySQL) {
		if db != "" {
			m.Database = db
		}
	}
}

// WithMySQLDumpBin overrides the mysqldump executable.
func WithMySQLDumpBin(bin string) MySQLOption {
	return func(m *MySQL) {
		if bin != "" {
			m.DumpBin = bin
		}
	}
}

// WithMySQLLogger overrides the logger.
func WithMySQLLogger(log logger.Logger) MySQLOption {
	return func(m *MySQL) {
		if log != nil {
			m.Logger = log
		}
	}
}

// Dump runs mysqldump and writes a logical dump of every table to dest.
// A failed dump never leaves dest behind.
func (m *MySQL) Dump(ctx context.Context, dest string) (err error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, m.Timeout, ErrTimeout)
		defer cancel()
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	// Build mysqldump args
	args := []string{
		"-h", m.Host,
		"-P", m.Port,
		"-u", m.Username,
		"--single-transaction",
		"--routines",
		"--triggers",
		"--result-file=" + dest,
		m.Database,
	}
	cmd := exec.CommandContext(ctx, m.DumpBin, args...)
	// Pass MYSQL_PWD for non-interactive auth
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+m.Password)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	m.Logger.Info("dump started",
		"database", m.Database,
		"engine", EngineMySQL,
		"path", dest,
	)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf("%w (%v)", cause, err)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: mysqldump: %w: %s", ErrDumpFailed, err, msg)
		}
		return fmt.Errorf("%w: mysqldump: %w", ErrDumpFailed, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("%w: mysqldump produced no output: %w", ErrDumpFailed, err)
	}
	m.Logger.Info("dump completed",
		"database", m.Database,
		"engine", EngineMySQL,
		"bytes", info.Size(),
		"duration", time.Since(start).String(),
	)
	return nil
}

// Ping checks that the database accepts connections.
func (m *MySQL) Ping(ctx context.Context) error {
	if err := m.pool.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql ping %s: %w", net.JoinHostPort(m.Host, m.Port), err)
	}
	return nil
}

// Close releases the connection pool.
func (m *MySQL) Close() error {
	if m.pool == nil {
		return nil
	}
	return m.pool.Close()
}

// GetName returns database name.
func (m *MySQL) GetName() string { return m.Database }

// GetEngine returns engine name.
func (m *MySQL) GetEngine() string { return EngineMySQL }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
