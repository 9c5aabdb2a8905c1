package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/geoexchange/pkigateway/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS ssl_profiles (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	ca_certs            TEXT NOT NULL DEFAULT '',
	allow_invalid_cas   INTEGER NOT NULL DEFAULT 0,
	client_cert         TEXT NOT NULL DEFAULT '',
	client_key          TEXT NOT NULL DEFAULT '',
	client_key_password TEXT NOT NULL DEFAULT '',
	version             TEXT NOT NULL DEFAULT 'PROTOCOL_SSLv23',
	verify_mode         TEXT NOT NULL DEFAULT 'CERT_REQUIRED',
	options             TEXT NOT NULL DEFAULT '',
	ciphers             TEXT NOT NULL DEFAULT '',
	retries             TEXT NOT NULL DEFAULT '3',
	redirects           TEXT NOT NULL DEFAULT '3'
);

CREATE TABLE IF NOT EXISTS host_port_mappings (
	pattern    TEXT PRIMARY KEY,
	enabled    INTEGER NOT NULL DEFAULT 1,
	rank       INTEGER NOT NULL DEFAULT 0,
	proxy      INTEGER NOT NULL DEFAULT 1,
	profile_id INTEGER NOT NULL REFERENCES ssl_profiles(id)
);

CREATE INDEX IF NOT EXISTS idx_mappings_rank ON host_port_mappings(rank);
`

const profileColumns = `id, name, description, ca_certs, allow_invalid_cas,
	client_cert, client_key, client_key_password, version, verify_mode,
	options, ciphers, retries, redirects`

// StoreConfig contains configuration for the SQLite-backed store.
type StoreConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// BusyTimeout is the duration to wait when the database is locked.
	BusyTimeout time.Duration
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Path:         "data/pkigateway.db",
		MaxOpenConns: 10,
		BusyTimeout:  5 * time.Second,
	}
}

// Store persists profiles and mappings in SQLite. Client key passwords are
// encrypted with the store's Cipher before they touch the database.
type Store struct {
	db     *sql.DB
	cipher *Cipher
	logger observability.Logger
}

// StoreOption is a functional option for configuring the Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore opens the database, applies the schema, and guarantees the
// default profile exists.
func NewStore(cfg *StoreConfig, cipher *Cipher, opts ...StoreOption) (*Store, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	if cipher == nil {
		return nil, fmt.Errorf("store requires a cipher")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &Store{
		db:     db,
		cipher: cipher,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(cfg *StoreConfig) error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.EnsureDefaultProfile(context.Background()); err != nil {
		return err
	}

	s.logger.Info("profile store initialized", observability.String("path", cfg.Path))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureDefaultProfile recreates the default profile with its documented
// defaults if it is missing, and returns it.
func (s *Store) EnsureDefaultProfile(ctx context.Context) (*Profile, error) {
	p, err := s.getProfile(ctx, DefaultProfileID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	def := DefaultProfile()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ssl_profiles (id, name, description, version, verify_mode, retries, redirects)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Description, def.Version, def.VerifyMode,
		def.Retries.String(), def.Redirects.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("recreate default profile: %w", err)
	}

	s.logger.Warn("default profile was missing, recreated with built-in defaults")
	return def, nil
}

// GetProfile returns the profile with the given id. The default profile is
// self-healing: if id 1 is missing it is recreated before returning.
func (s *Store) GetProfile(ctx context.Context, id int64) (*Profile, error) {
	p, err := s.getProfile(ctx, id)
	if errors.Is(err, ErrProfileNotFound) && id == DefaultProfileID {
		return s.EnsureDefaultProfile(ctx)
	}
	return p, err
}

func (s *Store) getProfile(ctx context.Context, id int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM ssl_profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// ListProfiles returns all profiles ordered by id.
func (s *Store) ListProfiles(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM ssl_profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProfile inserts a new profile. The plaintext key password, if any,
// is encrypted before storage; the returned profile carries the assigned id
// and the encrypted password.
func (s *Store) CreateProfile(ctx context.Context, p *Profile) (*Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	encrypted, err := s.encryptPassword(p.ClientKeyPassword)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ssl_profiles
			(name, description, ca_certs, allow_invalid_cas, client_cert,
			 client_key, client_key_password, version, verify_mode, options,
			 ciphers, retries, redirects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.CACerts, boolInt(p.AllowInvalidCAs),
		p.ClientCert, p.ClientKey, encrypted, p.Version, p.VerifyMode,
		strings.Join(p.Options, ","), p.Ciphers,
		p.Retries.String(), p.Redirects.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	created := *p
	created.ID = id
	created.ClientKeyPassword = encrypted
	return &created, nil
}

// UpdateProfile updates an existing profile. An empty ClientKeyPassword
// clears the stored password; otherwise the plaintext is re-encrypted.
func (s *Store) UpdateProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	encrypted, err := s.encryptPassword(p.ClientKeyPassword)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE ssl_profiles SET
			name = ?, description = ?, ca_certs = ?, allow_invalid_cas = ?,
			client_cert = ?, client_key = ?, client_key_password = ?,
			version = ?, verify_mode = ?, options = ?, ciphers = ?,
			retries = ?, redirects = ?
		WHERE id = ?`,
		p.Name, p.Description, p.CACerts, boolInt(p.AllowInvalidCAs),
		p.ClientCert, p.ClientKey, encrypted, p.Version, p.VerifyMode,
		strings.Join(p.Options, ","), p.Ciphers,
		p.Retries.String(), p.Redirects.String(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update profile %d: %w", p.ID, err)
	}
	return requireAffected(res, ErrProfileNotFound)
}

// DeleteProfile removes a profile. Deleting the default profile is allowed;
// it is recreated with built-in defaults on next access.
func (s *Store) DeleteProfile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ssl_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile %d: %w", id, err)
	}
	return requireAffected(res, ErrProfileNotFound)
}

// KeyPassword transiently decrypts the profile's stored key password.
// Profiles without a password return the empty string.
func (s *Store) KeyPassword(p *Profile) (string, error) {
	if p.ClientKeyPassword == "" {
		return "", nil
	}
	return s.cipher.Decrypt(p.ClientKeyPassword)
}

func (s *Store) encryptPassword(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return s.cipher.Encrypt(plaintext)
}

// ListMappings returns all mappings ordered by rank, then pattern.
func (s *Store) ListMappings(ctx context.Context) ([]*Mapping, error) {
	return s.listMappings(ctx, false)
}

// ListEnabledMappings returns the enabled mappings ordered by rank, then
// pattern. This is the resolver's rebuild source.
func (s *Store) ListEnabledMappings(ctx context.Context) ([]*Mapping, error) {
	return s.listMappings(ctx, true)
}

func (s *Store) listMappings(ctx context.Context, enabledOnly bool) ([]*Mapping, error) {
	q := `SELECT pattern, enabled, rank, proxy, profile_id FROM host_port_mappings`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY rank, pattern`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		var m Mapping
		var enabled, proxy int
		if err := rows.Scan(&m.Pattern, &enabled, &m.Rank, &proxy, &m.ProfileID); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		m.Enabled = enabled != 0
		m.Proxy = proxy != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetMapping returns the mapping with the given pattern.
func (s *Store) GetMapping(ctx context.Context, pattern string) (*Mapping, error) {
	var m Mapping
	var enabled, proxy int
	err := s.db.QueryRowContext(ctx,
		`SELECT pattern, enabled, rank, proxy, profile_id
		 FROM host_port_mappings WHERE pattern = ?`, pattern).
		Scan(&m.Pattern, &enabled, &m.Rank, &proxy, &m.ProfileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %q: %w", pattern, err)
	}
	m.Enabled = enabled != 0
	m.Proxy = proxy != 0
	return &m, nil
}

// CreateMapping inserts a new mapping.
func (s *Store) CreateMapping(ctx context.Context, m *Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_port_mappings (pattern, enabled, rank, proxy, profile_id)
		VALUES (?, ?, ?, ?, ?)`,
		m.Pattern, boolInt(m.Enabled), m.Rank, boolInt(m.Proxy), m.ProfileID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrMappingExists
		}
		return fmt.Errorf("create mapping %q: %w", m.Pattern, err)
	}
	return nil
}

// UpdateMapping updates an existing mapping identified by pattern.
func (s *Store) UpdateMapping(ctx context.Context, m *Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE host_port_mappings
		SET enabled = ?, rank = ?, proxy = ?, profile_id = ?
		WHERE pattern = ?`,
		boolInt(m.Enabled), m.Rank, boolInt(m.Proxy), m.ProfileID, m.Pattern,
	)
	if err != nil {
		return fmt.Errorf("update mapping %q: %w", m.Pattern, err)
	}
	return requireAffected(res, ErrMappingNotFound)
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(ctx context.Context, pattern string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM host_port_mappings WHERE pattern = ?`, pattern)
	if err != nil {
		return fmt.Errorf("delete mapping %q: %w", pattern, err)
	}
	return requireAffected(res, ErrMappingNotFound)
}

// RepointMapping points a mapping at a different profile. Used by the
// resolver's self-healing path when a mapping references a deleted profile.
func (s *Store) RepointMapping(ctx context.Context, pattern string, profileID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE host_port_mappings SET profile_id = ? WHERE pattern = ?`,
		profileID, pattern,
	)
	if err != nil {
		return fmt.Errorf("repoint mapping %q: %w", pattern, err)
	}
	return requireAffected(res, ErrMappingNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var allowInvalid int
	var options, retries, redirects string

	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CACerts, &allowInvalid,
		&p.ClientCert, &p.ClientKey, &p.ClientKeyPassword, &p.Version,
		&p.VerifyMode, &options, &p.Ciphers, &retries, &redirects)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	p.AllowInvalidCAs = allowInvalid != 0
	if options != "" {
		p.Options = strings.Split(options, ",")
	}
	if p.Retries, err = ParseBudget(retries); err != nil {
		return nil, err
	}
	if p.Redirects, err = ParseBudget(redirects); err != nil {
		return nil, err
	}
	return &p, nil
}

func requireAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
