// Package config loads invigild's environment-variable configuration
// (LoadServer). It follows the teacher's env-loading idiom for the cookie
// key: COOKIE_KEY_HEX can instead be supplied via COOKIE_KEY_HEX_FILE
// pointing at a file holding the value. The other settings are read from
// the environment only.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
)

var (
	ErrEmptyEnvFile = errors.New("environment secret file is empty")
	ErrMissingValue = errors.New("required environment value is missing")
)

// Server holds invigild's full runtime configuration.
type Server struct {
	Host           string // APP_HOST
	Port           int    // APP_PORT
	SQLitePath     string // SQLITE_PATH
	UploadDir      string // UPLOAD_DIR
	ProcessedDir   string // sibling of UploadDir, see LoadServer
	CookieKeyHex   string // COOKIE_KEY_HEX
	LDAPServer     string // LDAP_SERVER
	LDAPBaseDN     string // LDAP_BASE_DN
	LDAPUserAttr   string // LDAP_USER_ATTR
	LDAPBindDN     string // optional service bind
	LDAPBindPasswd string // optional service bind
}

func LoadServer() (*Server, error) {
	c := &Server{
		Host:           getenv("APP_HOST", "0.0.0.0"),
		SQLitePath:     getenv("SQLITE_PATH", "invigil.db"),
		UploadDir:      getenv("UPLOAD_DIR", "./data/uploads"),
		LDAPServer:     os.Getenv("LDAP_SERVER"),
		LDAPBaseDN:     os.Getenv("LDAP_BASE_DN"),
		LDAPUserAttr:   getenv("LDAP_USER_ATTR", "uid"),
		LDAPBindDN:     os.Getenv("LDAP_BIND_DN"),
		LDAPBindPasswd: os.Getenv("LDAP_BIND_PASSWD"),
	}
	var err error
	if c.Port, err = getenvInt("APP_PORT", 8080); err != nil {
		return nil, err
	}
	if c.CookieKeyHex, err = loadEnv("COOKIE_KEY_HEX"); err != nil {
		return nil, fmt.Errorf("COOKIE_KEY_HEX: %w", err)
	}
	c.ProcessedDir = c.UploadDir + "/../processed"
	if v := os.Getenv("PROCESSED_DIR"); v != "" {
		c.ProcessedDir = v
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Server) Verify() error {
	if c.Host == "" {
		return fmt.Errorf("%w: APP_HOST", ErrMissingValue)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid APP_PORT: %d", c.Port)
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("%w: SQLITE_PATH", ErrMissingValue)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("%w: UPLOAD_DIR", ErrMissingValue)
	}
	if len(c.CookieKeyHex) != 64 {
		return fmt.Errorf("COOKIE_KEY_HEX must be 64 hex characters (32 bytes), got %d", len(c.CookieKeyHex))
	}
	return nil
}

// Collector holds the on-host collector's runtime configuration.
type Collector struct {
	LogPath        string
	DataCaptureCmd []string
	DNSCaptureCmd  []string
	LocalIPs       []string
	PollInterval   string // human-readable, parsed by the caller
	User           string
}

func loadEnvFile(nm string) (string, error) {
	fin, err := os.Open(nm)
	if err != nil {
		return "", err
	}
	defer fin.Close()
	s := bufio.NewScanner(fin)
	s.Scan()
	if err := s.Err(); err != nil {
		return "", err
	}
	r := s.Text()
	if r == "" {
		return "", ErrEmptyEnvFile
	}
	return r, nil
}

// loadEnv reads NAME from the environment, or from the file named by
// NAME_FILE if NAME itself is unset.
func loadEnv(nm string) (string, error) {
	if v, ok := os.LookupEnv(nm); ok {
		return v, nil
	}
	if fp, ok := os.LookupEnv(nm + "_FILE"); ok {
		return loadEnvFile(fp)
	}
	return "", fmt.Errorf("%w: %s", ErrMissingValue, nm)
}

func getenv(nm, def string) string {
	if v, ok := os.LookupEnv(nm); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(nm string, def int) (int, error) {
	v, ok := os.LookupEnv(nm)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", nm, err)
	}
	return n, nil
}
