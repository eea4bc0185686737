package auth

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// LDAPConfig holds directory settings for the optional LDAP login fallback.
type LDAPConfig struct {
	URL           string `envconfig:"LDAP_URL" default:"ldaps://localhost:636"`
	BindUser      string `envconfig:"LDAP_BIND_USER"`
	BindPassword  string `envconfig:"LDAP_BIND_PASSWORD"`
	SkipTLSVerify bool   `envconfig:"LDAP_SKIP_TLS_VERIFY" default:"false"`
	BaseDN        string `envconfig:"LDAP_BASE_DN"`
	AdminGroupDN  string `envconfig:"LDAP_ADMIN_GROUP_DN"`
}

// LoadLDAPConfig reads the directory settings from the environment.
func LoadLDAPConfig() (*LDAPConfig, error) {
	var config LDAPConfig
	if err := envconfig.Process("", &config); err != nil {
		return nil, fmt.Errorf("failed to process LDAP configuration: %w", err)
	}
	return &config, nil
}

// LDAPClient wraps one directory connection. Operations rebind as the
// service account after a user-credential check.
type LDAPClient struct {
	config *LDAPConfig

	mutex sync.Mutex
	conn  ldap.Client
}

func NewLDAPClient(config *LDAPConfig) *LDAPClient {
	return &LDAPClient{config: config}
}

// Connect establishes the directory connection and binds the service
// account.
func (c *LDAPClient) Connect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connectLocked()
}

func (c *LDAPClient) connectLocked() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP server: %w", err)
	}

	if c.config.BindUser != "" {
		if err := conn.Bind(c.config.BindUser, c.config.BindPassword); err != nil {
			conn.Close()
			return fmt.Errorf("failed to bind to LDAP server: %w", err)
		}
	}

	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	log.Info().Str("url", c.config.URL).Msg("LDAP connection established")
	return nil
}

func (c *LDAPClient) dial() (ldap.Client, error) {
	if !strings.HasPrefix(c.config.URL, "ldaps://") {
		return nil, fmt.Errorf("only ldaps:// is supported")
	}
	return ldap.DialURL(c.config.URL, ldap.DialWithTLSConfig(&tls.Config{
		InsecureSkipVerify: c.config.SkipTLSVerify,
		MinVersion:         tls.VersionTLS12,
	}))
}

// Close shuts down the directory connection.
func (c *LDAPClient) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Authenticate verifies a username/password pair against the directory.
// Wrong credentials are not an error; only transport failures are.
func (c *LDAPClient) Authenticate(username, password string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	userDN, err := c.userDNLocked(username)
	if err != nil {
		return false, err
	}
	if userDN == "" {
		return false, nil
	}

	if err := c.conn.Bind(userDN, password); err != nil {
		// Rebind the service account so later searches still work.
		c.rebindLocked()
		return false, nil
	}
	c.rebindLocked()
	return true, nil
}

// IsDirectoryAdmin reports whether the user belongs to the configured
// admin group.
func (c *LDAPClient) IsDirectoryAdmin(username string) (bool, error) {
	if c.config.AdminGroupDN == "" {
		return false, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	userDN, err := c.userDNLocked(username)
	if err != nil || userDN == "" {
		return false, err
	}

	req := ldap.NewSearchRequest(
		c.config.AdminGroupDN,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=group)",
		[]string{"member"},
		nil,
	)
	res, err := c.searchLocked(req)
	if err != nil {
		return false, fmt.Errorf("admin group lookup failed: %w", err)
	}

	for _, entry := range res.Entries {
		for _, member := range entry.GetAttributeValues("member") {
			if strings.EqualFold(member, userDN) {
				return true, nil
			}
		}
	}
	return false, nil
}

// userDNLocked resolves a sAMAccountName or uid to its DN. Caller holds
// the mutex.
func (c *LDAPClient) userDNLocked(username string) (string, error) {
	req := ldap.NewSearchRequest(
		c.config.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(&(|(objectClass=user)(objectClass=inetOrgPerson))(|(sAMAccountName=%s)(uid=%s)))",
			ldap.EscapeFilter(username), ldap.EscapeFilter(username)),
		[]string{"dn"},
		nil,
	)
	res, err := c.searchLocked(req)
	if err != nil {
		return "", fmt.Errorf("user DN lookup failed: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", nil
	}
	return res.Entries[0].DN, nil
}

// searchLocked runs a search, reconnecting once on a dropped connection.
func (c *LDAPClient) searchLocked(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if c.conn == nil {
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	res, err := c.conn.Search(req)
	if err != nil && isConnectionError(err) {
		log.Debug().Err(err).Msg("LDAP connection dropped, reconnecting")
		if rerr := c.connectLocked(); rerr != nil {
			return nil, rerr
		}
		return c.conn.Search(req)
	}
	return res, err
}

func (c *LDAPClient) rebindLocked() {
	if c.config.BindUser == "" || c.conn == nil {
		return
	}
	if err := c.conn.Bind(c.config.BindUser, c.config.BindPassword); err != nil {
		log.Warn().Err(err).Msg("failed to rebind LDAP service account")
		c.conn.Close()
		c.conn = nil
	}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "network error") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
