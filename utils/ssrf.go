package utils

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/badoux/checkmail"

	"phishsim/config"
	"phishsim/models"
)

// SMTPInput is the normalized result of the syntactic SMTP checks.
type SMTPInput struct {
	Host         string
	Port         int
	SecurityMode string
}

var domainNamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

// cloudMetadataIP is the well-known link-local metadata service address.
var cloudMetadataIP = net.IPv4(169, 254, 169, 254)

// lookupIP is swapped out in tests; send paths always resolve live.
var lookupIP = net.LookupIP

// ValidateSMTPInput performs the syntactic and policy half of the SSRF
// guard: the host must be a domain name (never a literal IP), the port
// must be valid, and the security mode must match the fixed pairing rule
// 465↔SMTPS, 587↔STARTTLS, anything else↔NONE. Pure function, no I/O.
func ValidateSMTPInput(host string, port int, securityMode string) (*SMTPInput, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if net.ParseIP(host) != nil {
		return nil, fmt.Errorf("host must be a domain name, not a literal IP address")
	}
	if !domainNamePattern.MatchString(host) {
		return nil, fmt.Errorf("host %q is not a valid domain name", host)
	}

	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535")
	}

	mode := strings.ToUpper(strings.TrimSpace(securityMode))
	switch mode {
	case models.SecurityModeSMTPS, models.SecurityModeSTARTTLS, models.SecurityModeNone:
	default:
		return nil, fmt.Errorf("security mode must be one of SMTPS, STARTTLS, NONE")
	}

	switch {
	case port == 465 && mode != models.SecurityModeSMTPS:
		return nil, fmt.Errorf("port 465 requires security mode SMTPS")
	case port == 587 && mode != models.SecurityModeSTARTTLS:
		return nil, fmt.Errorf("port 587 requires security mode STARTTLS")
	case port != 465 && mode == models.SecurityModeSMTPS:
		return nil, fmt.Errorf("security mode SMTPS requires port 465")
	case port != 587 && mode == models.SecurityModeSTARTTLS:
		return nil, fmt.Errorf("security mode STARTTLS requires port 587")
	}

	return &SMTPInput{Host: host, Port: port, SecurityMode: mode}, nil
}

// AssertHostNotPrivateOrLocal performs the network half of the SSRF
// guard: it resolves every A/AAAA record for host and rejects the host
// if any address is loopback, link-local, private/unique-local, or (when
// metadata blocking is on) the cloud metadata address. Resolution
// failures fail closed. Callers must re-run this at send time, not reuse
// a config-save-time answer, because DNS can change in between.
func AssertHostNotPrivateOrLocal(host string) error {
	ips, err := lookupIP(host)
	if err != nil {
		return fmt.Errorf("could not resolve host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("host %q resolved to no addresses", host)
	}

	for _, ip := range ips {
		if err := assertPublicAddress(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func assertPublicAddress(host string, ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("host %q resolves to loopback address %s", host, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("host %q resolves to unspecified address %s", host, ip)
	case config.AppConfig.BlockCloudMetadata && ip.Equal(cloudMetadataIP):
		return fmt.Errorf("host %q resolves to the cloud metadata address %s", host, ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("host %q resolves to link-local address %s", host, ip)
	case ip.IsPrivate():
		return fmt.Errorf("host %q resolves to private address %s", host, ip)
	}
	return nil
}

// ValidateTestRecipientEmail authorizes a connectivity-test recipient.
// The effective allow-list is the environment-level list plus the
// config's own list; with neither configured it falls back to the
// sender's own domain, and an empty effective list fails closed.
func ValidateTestRecipientEmail(email string, cfg *models.SMTPConfig) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return "", fmt.Errorf("recipient %q is not a valid email address", email)
	}

	allowed := append([]string{}, config.AppConfig.TestRecipientDomains...)
	for _, d := range strings.Split(cfg.AllowedRecipientDomains, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			allowed = append(allowed, d)
		}
	}
	if len(allowed) == 0 {
		if senderDomain := emailDomain(cfg.FromEmail); senderDomain != "" {
			allowed = append(allowed, senderDomain)
		}
	}
	if len(allowed) == 0 {
		return "", fmt.Errorf("no test recipient domains are configured")
	}

	domain := emailDomain(email)
	for _, d := range allowed {
		if domain == d {
			return email, nil
		}
	}
	return "", fmt.Errorf("recipient domain %q is not in the test send allow-list", domain)
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
