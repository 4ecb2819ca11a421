package storage

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Kind is the closed set of backend families a target URL can select.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindMongo    Kind = "mongodb"
)

// DriverName is the database/sql driver name serving this kind, empty for
// kinds that do not go through database/sql.
func (k Kind) DriverName() string {
	switch k {
	case KindSQLite:
		return "sqlite"
	case KindPostgres:
		return "pgx"
	case KindMySQL:
		return "mysql"
	}
	return ""
}

// DriverHint names the Go package that provides the driver for this kind,
// surfaced in connectivity failure messages.
func (k Kind) DriverHint() string {
	switch k {
	case KindSQLite:
		return "github.com/glebarez/go-sqlite"
	case KindPostgres:
		return "github.com/jackc/pgx/v5/stdlib"
	case KindMySQL:
		return "github.com/go-sql-driver/mysql"
	case KindMongo:
		return "go.mongodb.org/mongo-driver/mongo"
	}
	return ""
}

// Target describes where a backend should connect after parsing a database
// URL. URL is rewritten into the form the selected driver expects: a file
// path for sqlite, a postgres:// URL for pgx, a go-sql-driver DSN for mysql
// and a mongodb:// URI for the document store.
type Target struct {
	Kind     Kind
	URL      string
	Database string
	Host     string
	Username string
}

// Some callers glue the custom DATABASE_NAME parameter onto the URL without a
// separator; give it one so it parses as its own pair.
var gluedDatabaseName = regexp.MustCompile(`(?i)([^?&])database_name=`)

// ParseTarget maps a database URL onto a backend kind and a driver-ready
// connection string. Recognized schemes: sqlite, postgres/postgresql,
// mysql (driver suffixes such as mysql+pymysql collapse), and
// mongodb/mongodb+srv. The literal target "memory" selects the in-memory
// backend. A DATABASE_NAME query parameter overrides the path-derived
// database name and is stripped before the URL reaches a driver.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, errors.New("database URL is empty")
	}
	if strings.EqualFold(raw, string(KindMemory)) {
		return Target{Kind: KindMemory, URL: string(KindMemory)}, nil
	}
	if !strings.Contains(raw, "://") {
		return Target{}, errors.New("database URL must include a scheme (e.g. sqlite:// or postgres://)")
	}

	u, err := url.Parse(gluedDatabaseName.ReplaceAllString(raw, "$1&database_name="))
	if err != nil {
		return Target{}, fmt.Errorf("parse database URL: %w", err)
	}

	query := u.Query()
	var override string
	for key, values := range query {
		if !strings.EqualFold(key, "database_name") {
			continue
		}
		for _, v := range values {
			if v != "" {
				override = v
			}
		}
		query.Del(key)
	}
	u.RawQuery = query.Encode()

	scheme := strings.ToLower(u.Scheme)
	base, _, hasDriver := strings.Cut(scheme, "+")

	switch base {
	case "sqlite", "sqlite3":
		return sqliteTarget(u, override)
	case "postgres", "postgresql", "postgressql":
		u.Scheme = "postgres"
		if override != "" {
			u.Path = "/" + override
		}
		name := strings.TrimPrefix(u.Path, "/")
		return Target{Kind: KindPostgres, URL: u.String(), Database: name, Host: u.Hostname(), Username: u.User.Username()}, nil
	case "mysql", "mariadb":
		if override != "" {
			u.Path = "/" + override
		}
		return mysqlTarget(u)
	case "mongodb":
		if hasDriver && scheme != "mongodb+srv" {
			return Target{}, fmt.Errorf("unsupported mongodb scheme %q", u.Scheme)
		}
		name := strings.TrimPrefix(u.Path, "/")
		if override != "" {
			name = override
		}
		if name == "" {
			name = "fx_bharat"
		}
		return Target{Kind: KindMongo, URL: u.String(), Database: name, Host: u.Hostname(), Username: u.User.Username()}, nil
	}
	return Target{}, fmt.Errorf("unsupported database backend %q: supported values are sqlite, mysql, postgres and mongodb", u.Scheme)
}

// sqliteTarget resolves the file path behind a sqlite URL. Three slashes mean
// a relative path (sqlite:///fx.db), four an absolute one.
func sqliteTarget(u *url.URL, override string) (Target, error) {
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		path = u.Host
	}
	if path == "" {
		path = override
	}
	if path == "" {
		return Target{}, errors.New("sqlite URL carries no file path")
	}
	return Target{Kind: KindSQLite, URL: path, Database: path}, nil
}

// mysqlTarget rewrites a mysql:// URL into the DSN shape go-sql-driver
// expects. parseTime is forced on so DATE columns scan into time.Time.
func mysqlTarget(u *url.URL) (Target, error) {
	host := u.Host
	if host == "" {
		host = "localhost:3306"
	} else if u.Port() == "" {
		host += ":3306"
	}
	name := strings.TrimPrefix(u.Path, "/")

	params := u.Query()
	params.Set("parseTime", "true")

	var b strings.Builder
	if u.User != nil && u.User.String() != "" {
		b.WriteString(u.User.String())
		b.WriteString("@")
	}
	fmt.Fprintf(&b, "tcp(%s)/%s", host, name)
	if encoded := params.Encode(); encoded != "" {
		b.WriteString("?")
		b.WriteString(encoded)
	}
	return Target{Kind: KindMySQL, URL: b.String(), Database: name, Host: u.Hostname(), Username: u.User.Username()}, nil
}
