// Package dsn resolves connection parameters from a DSN string layered
// with environment variables, a .pgpass/pgpass.conf password file, and a
// pg_service.conf overlay, per spec §3 (ConnectionParameters) and §6 (the
// environment-variable and passfile-location lists).
//
// Grounded on the teacher's internal/config package: TenantConfig's
// pointer fields plus Effective*(defaults) fallback methods are the same
// "explicit value wins, else fall through" shape this package needs for
// DSN > environment > built-in default precedence, generalized from
// per-tenant pool settings to per-connection libpq-style parameters.
package dsn

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"

	"github.com/dbbouncer/pgwire/internal/pgerr"
)

// SSLMode is the connection's TLS negotiation mode, per §3.
type SSLMode string

const (
	SSLDisable    SSLMode = "disable"
	SSLAllow      SSLMode = "allow"
	SSLPrefer     SSLMode = "prefer"
	SSLRequire    SSLMode = "require"
	SSLVerifyCA   SSLMode = "verify-ca"
	SSLVerifyFull SSLMode = "verify-full"
)

// TargetSessionAttrs is the post-connect session-attribute filter, §3/§4.2.
type TargetSessionAttrs string

const (
	TargetAny            TargetSessionAttrs = "any"
	TargetPrimary        TargetSessionAttrs = "primary"
	TargetStandby        TargetSessionAttrs = "standby"
	TargetPreferStandby  TargetSessionAttrs = "prefer-standby"
	TargetReadWrite      TargetSessionAttrs = "read-write"
	TargetReadOnly       TargetSessionAttrs = "read-only"
)

// Address is one candidate endpoint: either a Unix socket directory path
// or a (host, port) TCP pair. Exactly one of Path or Host is set.
type Address struct {
	Path string
	Host string
	Port uint16
}

func (a Address) String() string {
	if a.Path != "" {
		return a.Path
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsUnix reports whether this address names a Unix socket directory.
func (a Address) IsUnix() bool { return a.Path != "" }

// Params is the fully resolved connection configuration: the DSN, every
// PG* environment variable, and the active .pgpass file, collapsed into one
// value ready for the connect sequence in component G. Resolve does not
// read pg_service.conf; ServiceOverlay looks a service up separately.
type Params struct {
	Addresses []Address

	User     string
	Password string
	Database string

	SSLMode        SSLMode
	SSLRootCert    string
	SSLCert        string
	SSLKey         string
	SSLCRL         string
	SSLMinProtocol string
	SSLMaxProtocol string

	DirectTLS bool

	TargetSessionAttrs TargetSessionAttrs

	ServerSettings map[string]string
}

const defaultPort = 5432

// envLookup abstracts os.LookupEnv for testability.
type envLookup func(string) (string, bool)

// Resolve builds Params from a DSN string (postgres://... or a bare
// keyword/value string) layered over the environment and passfile, per
// the precedence libpq defines: explicit DSN value, else environment
// variable, else a hardcoded default. An empty dsn resolves from the
// environment alone.
func Resolve(dsn string) (*Params, error) {
	return resolveWithEnv(dsn, osEnvLookup)
}

func osEnvLookup(key string) (string, bool) { return os.LookupEnv(key) }

func resolveWithEnv(dsn string, lookup envLookup) (*Params, error) {
	kv, addrs, err := parse(dsn)
	if err != nil {
		return nil, pgerr.NewClientError("parsing DSN", err)
	}

	p := &Params{ServerSettings: map[string]string{}}

	p.User = firstNonEmpty(kv["user"], envOr(lookup, "PGUSER", ""), currentOSUser())
	p.Database = firstNonEmpty(kv["dbname"], envOr(lookup, "PGDATABASE", ""), p.User)
	p.Password = firstNonEmpty(kv["password"], envOr(lookup, "PGPASSWORD", ""))

	sslmode := firstNonEmpty(kv["sslmode"], envOr(lookup, "PGSSLMODE", ""), string(SSLPrefer))
	p.SSLMode = SSLMode(sslmode)
	if err := validateSSLMode(p.SSLMode); err != nil {
		return nil, pgerr.NewClientError("parsing DSN", err)
	}
	p.SSLRootCert = firstNonEmpty(kv["sslrootcert"], envOr(lookup, "PGSSLROOTCERT", ""))
	p.SSLCert = firstNonEmpty(kv["sslcert"], envOr(lookup, "PGSSLCERT", ""))
	p.SSLKey = firstNonEmpty(kv["sslkey"], envOr(lookup, "PGSSLKEY", ""))
	p.SSLCRL = firstNonEmpty(kv["sslcrl"], envOr(lookup, "PGSSLCRL", ""))
	p.SSLMinProtocol = firstNonEmpty(kv["sslminprotocolversion"], envOr(lookup, "PGSSLMINPROTOCOLVERSION", ""))
	p.SSLMaxProtocol = firstNonEmpty(kv["sslmaxprotocolversion"], envOr(lookup, "PGSSLMAXPROTOCOLVERSION", ""))

	tsa := firstNonEmpty(kv["target_session_attrs"], envOr(lookup, "PGTARGETSESSIONATTRS", ""), string(TargetAny))
	p.TargetSessionAttrs = TargetSessionAttrs(tsa)

	addrs, err = resolveAddresses(kv, addrs, lookup)
	if err != nil {
		return nil, err
	}
	p.Addresses = addrs

	for k, v := range kv {
		const prefix = "options.server_settings."
		if strings.HasPrefix(k, prefix) {
			p.ServerSettings[strings.TrimPrefix(k, prefix)] = v
		}
	}

	if p.Password == "" {
		if pw, ok := lookupPassfile(lookup, p); ok {
			p.Password = pw
		}
	}

	return p, nil
}

func resolveAddresses(kv map[string]string, parsed []Address, lookup envLookup) ([]Address, error) {
	if len(parsed) > 0 {
		return expandPortList(parsed, kv["port"])
	}

	hostEnv := envOr(lookup, "PGHOST", "")
	portEnv := envOr(lookup, "PGPORT", "")
	if hostEnv == "" {
		return defaultUnixAddresses(portEnv), nil
	}

	hosts := strings.Split(hostEnv, ",")
	ports := strings.Split(portEnv, ",")
	var addrs []Address
	for i, h := range hosts {
		port := defaultPort
		switch {
		case len(ports) == 1 && ports[0] != "":
			pn, err := strconv.Atoi(ports[0])
			if err != nil {
				return nil, pgerr.NewClientError("parsing PGPORT", err)
			}
			port = pn
		case i < len(ports) && ports[i] != "":
			pn, err := strconv.Atoi(ports[i])
			if err != nil {
				return nil, pgerr.NewClientError("parsing PGPORT", err)
			}
			port = pn
		}
		addrs = append(addrs, hostToAddress(h, port))
	}
	return addrs, nil
}

// expandPortList applies a DSN-level port=... override shared across every
// host, or validates that a per-host port list in the DSN matches the host
// count, per libpq's multi-host rule.
func expandPortList(addrs []Address, portOverride string) ([]Address, error) {
	if portOverride == "" {
		return addrs, nil
	}
	ports := strings.Split(portOverride, ",")
	if len(ports) == 1 {
		pn, err := strconv.Atoi(ports[0])
		if err != nil {
			return nil, pgerr.NewClientError("parsing port", err)
		}
		for i := range addrs {
			if !addrs[i].IsUnix() {
				addrs[i].Port = uint16(pn)
			}
		}
		return addrs, nil
	}
	if len(ports) != len(addrs) {
		return nil, pgerr.NewClientError("parsing DSN",
			fmt.Errorf("port list length %d does not match host list length %d", len(ports), len(addrs)))
	}
	for i, ps := range ports {
		pn, err := strconv.Atoi(ps)
		if err != nil {
			return nil, pgerr.NewClientError("parsing port", err)
		}
		if !addrs[i].IsUnix() {
			addrs[i].Port = uint16(pn)
		}
	}
	return addrs, nil
}

func hostToAddress(host string, port int) Address {
	if strings.HasPrefix(host, "/") {
		return Address{Path: host}
	}
	return Address{Host: host, Port: uint16(port)}
}

// defaultUnixAddresses returns the OS-default Unix socket directory
// candidates followed by localhost; on Windows, which has none, it returns
// localhost alone, per §6.
func defaultUnixAddresses(portEnv string) []Address {
	port := defaultPort
	if portEnv != "" {
		if pn, err := strconv.Atoi(portEnv); err == nil {
			port = pn
		}
	}
	if runtime.GOOS == "windows" {
		return []Address{{Host: "localhost", Port: uint16(port)}}
	}
	candidates := []string{"/var/run/postgresql", "/tmp"}
	var addrs []Address
	for _, dir := range candidates {
		addrs = append(addrs, Address{Path: dir})
	}
	addrs = append(addrs, Address{Host: "localhost", Port: uint16(port)})
	return addrs
}

func validateSSLMode(mode SSLMode) error {
	switch mode {
	case SSLDisable, SSLAllow, SSLPrefer, SSLRequire, SSLVerifyCA, SSLVerifyFull:
		return nil
	default:
		return fmt.Errorf("invalid sslmode %q", mode)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOr(lookup envLookup, key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func currentOSUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME") // Windows
}

// PassfilePath returns the default passfile location for the current OS,
// honoring PGPASSFILE when set, per §6.
func PassfilePath(lookup envLookup) string {
	if v, ok := lookup("PGPASSFILE"); ok && v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("AppData"), "postgresql", "pgpass.conf")
	}
	return filepath.Join(home, ".pgpass")
}

// lookupPassfile consults the .pgpass file for a matching password, per
// §4.7/§6: the file is ignored entirely (with the caller expected to warn)
// if its permission bits grant access to group or other.
func lookupPassfile(lookup envLookup, p *Params) (string, bool) {
	path := PassfilePath(lookup)
	if !passfilePermissionsOK(path) {
		return "", false
	}
	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", false
	}
	if len(p.Addresses) == 0 {
		return "", false
	}
	addr := p.Addresses[0]
	host := addr.Host
	if addr.IsUnix() {
		host = "localhost"
	}
	port := strconv.Itoa(int(addr.Port))
	if pw := pf.FindPassword(host, port, p.Database, p.User); pw != "" {
		return pw, true
	}
	return "", false
}

// ServiceOverlay resolves a pg_service.conf service name into key/value
// overlays, for DSNs carrying service=<name>, supplementing what spec.md's
// distillation omitted (asyncpg's connect_utils.py reads a pg_service.conf
// via this exact library's sibling parser in the original Python).
func ServiceOverlay(serviceName string) (map[string]string, error) {
	path := os.Getenv("PGSERVICEFILE")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".pg_service.conf")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	services, err := pgservicefile.ParseServicefile(f)
	if err != nil {
		return nil, err
	}
	for _, svc := range services.Services {
		if svc.Name == serviceName {
			return svc.Settings, nil
		}
	}
	return nil, fmt.Errorf("service %q not found in %s", serviceName, path)
}

// parse splits a DSN into keyword/value pairs and, for the URL form, the
// candidate address list. Supports both postgres(ql)://... URLs (with
// IPv6-bracketed and comma-separated multi-host authorities) and bare
// "key=value key=value" strings.
func parse(dsn string) (map[string]string, []Address, error) {
	kv := map[string]string{}
	if dsn == "" {
		return kv, nil, nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return parseURL(dsn)
	}
	return parseKeywordValue(dsn)
}

func parseURL(dsn string) (map[string]string, []Address, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid DSN URL: %w", err)
	}
	kv := map[string]string{}
	if u.User != nil {
		kv["user"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			kv["password"] = pw
		}
	}
	if len(u.Path) > 1 {
		kv["dbname"] = strings.TrimPrefix(u.Path, "/")
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			key := strings.ToLower(k)
			if strings.HasPrefix(key, "server_settings.") {
				kv["options."+key] = vs[0]
			} else if _, fromURL := kv[key]; fromURL {
				// userinfo and path values outrank the query string
				continue
			} else {
				kv[key] = vs[0]
			}
		}
	}

	addrs, err := parseAuthority(u.Host)
	if err != nil {
		return nil, nil, err
	}
	return kv, addrs, nil
}

// parseAuthority splits a URL authority of "host1:port1,host2:port2" (with
// IPv6 literals bracketed, e.g. "[::1]:5432") into Addresses.
func parseAuthority(authority string) ([]Address, error) {
	if authority == "" {
		return nil, nil
	}
	var addrs []Address
	for _, hp := range splitHostList(authority) {
		host, portStr, err := splitHostPort(hp)
		if err != nil {
			return nil, err
		}
		port := defaultPort
		if portStr != "" {
			pn, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
			}
			port = pn
		}
		addrs = append(addrs, hostToAddress(host, port))
	}
	return addrs, nil
}

// splitHostList splits on commas that are not inside an IPv6 bracket pair.
func splitHostList(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func splitHostPort(hp string) (host, port string, err error) {
	if strings.HasPrefix(hp, "[") {
		end := strings.Index(hp, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 literal in %q", hp)
		}
		host = hp[1:end]
		rest := hp[end+1:]
		if strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
		return host, port, nil
	}
	if idx := strings.LastIndex(hp, ":"); idx >= 0 && !strings.Contains(hp[idx+1:], ":") {
		return hp[:idx], hp[idx+1:], nil
	}
	return hp, "", nil
}

func parseKeywordValue(dsn string) (map[string]string, []Address, error) {
	kv := map[string]string{}
	fields := strings.Fields(dsn)
	for _, f := range fields {
		idx := strings.Index(f, "=")
		if idx < 0 {
			return nil, nil, fmt.Errorf("malformed keyword/value pair: %q", f)
		}
		key := strings.ToLower(f[:idx])
		val := strings.Trim(f[idx+1:], `'"`)
		kv[key] = val
	}
	var addrs []Address
	if h, ok := kv["host"]; ok {
		for _, hp := range strings.Split(h, ",") {
			addrs = append(addrs, hostToAddress(hp, defaultPort))
		}
	}
	return kv, addrs, nil
}
