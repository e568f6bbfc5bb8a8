package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf16"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

const (
	// MaxSerialLength and MaxSecretLength are the limits the backend
	// enforces on the X-Device-Serial and X-Device-Secret headers, counted
	// in UTF-16 code units like the backend's string length.
	MaxSerialLength = 50
	MaxSecretLength = 100

	minSecretLength = 16

	redacted = "[REDACTED]"
)

var (
	// Template values shipped in the sample config.h and the quickstart docs.
	serialPlaceholders = []string{"TU_SERIAL_AQUI"}
	secretPlaceholders = []string{"TU_SECRET_AQUI", "YOUR_DEVICE_SECRET"}
	wifiPlaceholders   = []string{"TuRedWiFi", "TuPasswordWiFi"}
)

// DeviceParams holds the raw values a Device is built from.
type DeviceParams struct {
	WifiSSID     string `mapstructure:"wifi_ssid" yaml:"wifi_ssid"`
	WifiPassword string `mapstructure:"wifi_password" yaml:"wifi_password"`
	BackendURL   string `mapstructure:"backend_url" yaml:"backend_url"`
	Serial       string `mapstructure:"serial" yaml:"serial"`
	Secret       string `mapstructure:"secret" yaml:"secret"`
}

// Device is the configuration record baked into a PillMate firmware image.
//
// A Device is built once with NewDevice and never changes afterwards, so it
// can be shared between goroutines without locking.
type Device struct {
	wifiSSID     string
	wifiPassword string
	backendURL   string
	serial       string
	secret       string
}

// NewDevice returns the record for the given values.
func NewDevice(p DeviceParams) Device {
	return Device{
		wifiSSID:     p.WifiSSID,
		wifiPassword: p.WifiPassword,
		backendURL:   p.BackendURL,
		serial:       p.Serial,
		secret:       p.Secret,
	}
}

func (d Device) WifiSSID() string     { return d.wifiSSID }
func (d Device) WifiPassword() string { return d.wifiPassword }
func (d Device) BackendURL() string   { return d.backendURL }
func (d Device) Serial() string       { return d.serial }

// Secret returns the plaintext device secret. Callers must not log it.
func (d Device) Secret() string { return d.secret }

// Params returns a copy of the raw values.
func (d Device) Params() DeviceParams {
	return DeviceParams{
		WifiSSID:     d.wifiSSID,
		WifiPassword: d.wifiPassword,
		BackendURL:   d.backendURL,
		Serial:       d.serial,
		Secret:       d.secret,
	}
}

// SecretDigest is the lowercase hex SHA-256 of the secret, the form the
// backend keeps for the device. Empty when no secret is set.
func (d Device) SecretDigest() string {
	if d.secret == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(d.secret))

	return hex.EncodeToString(sum[:])
}

// IsProvisioned reports whether the record carries real credentials.
// An empty field or a placeholder serial or secret means the device still
// has to be registered and reflashed.
func (d Device) IsProvisioned() bool {
	for _, v := range []string{d.wifiSSID, d.wifiPassword, d.backendURL, d.serial, d.secret} {
		if isBlank(v) {
			return false
		}
	}

	if containsAny(d.serial, serialPlaceholders) || containsAny(d.secret, secretPlaceholders) {
		return false
	}

	return true
}

// Validate returns nil when the record can be used to reach the backend.
func (d Device) Validate() error {
	if !d.IsProvisioned() {
		return errors.Wrap(ErrUnprovisioned, strings.Join(d.missing(), ", "))
	}

	if err := ValidateBackendURL(d.backendURL); err != nil {
		return err
	}

	if n := codeUnits(d.serial); n > MaxSerialLength {
		return errors.Wrapf(ErrCredentialsTooLong, "serial is %d characters, max %d", n, MaxSerialLength)
	}

	if n := codeUnits(d.secret); n > MaxSecretLength {
		return errors.Wrapf(ErrCredentialsTooLong, "secret is %d characters, max %d", n, MaxSecretLength)
	}

	return nil
}

func codeUnits(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Warnings lists findings that do not block the device from booting.
func (d Device) Warnings() []string {
	var warnings []string

	if containsAny(d.wifiSSID, wifiPlaceholders) {
		warnings = append(warnings, "wifi ssid is a placeholder")
	}

	if containsAny(d.wifiPassword, wifiPlaceholders) {
		warnings = append(warnings, "wifi password is a placeholder")
	}

	if d.secret != "" && len(d.secret) < minSecretLength {
		warnings = append(warnings, fmt.Sprintf("secret is shorter than %d bytes", minSecretLength))
	}

	return warnings
}

// missing names the fields that keep the device unprovisioned.
func (d Device) missing() []string {
	var fields []string

	check := func(name, value string, placeholders []string) {
		switch {
		case isBlank(value):
			fields = append(fields, name+" is empty")
		case containsAny(value, placeholders):
			fields = append(fields, name+" is a placeholder")
		}
	}

	check("wifi_ssid", d.wifiSSID, nil)
	check("wifi_password", d.wifiPassword, nil)
	check("backend_url", d.backendURL, nil)
	check("serial", d.serial, serialPlaceholders)
	check("secret", d.secret, secretPlaceholders)

	return fields
}

func (d Device) AsLogFields() []any {
	return []any{
		"wifiSSID", d.wifiSSID,
		"backendURL", d.backendURL,
		"serial", d.serial,
		"secretDigest", d.SecretDigest(),
		"provisioned", d.IsProvisioned(),
	}
}

// LogValue keeps the secret and the WiFi password out of slog output.
func (d Device) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("wifiSSID", d.wifiSSID),
		slog.String("backendURL", d.backendURL),
		slog.String("serial", d.serial),
		slog.String("secretDigest", d.SecretDigest()),
		slog.Bool("provisioned", d.IsProvisioned()),
	)
}

func (d Device) String() string {
	return fmt.Sprintf("Device{serial=%q backend=%q wifi=%q secret=%s}", d.serial, d.backendURL, d.wifiSSID, redacted)
}

func (d Device) GoString() string {
	return d.String()
}

// ValidateBackendURL accepts absolute https URLs with a valid host name.
func ValidateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(ErrInvalidBackendURL, err.Error())
	}

	if u.Scheme != "https" {
		return errors.Wrapf(ErrInvalidBackendURL, "scheme %q, expected https", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return errors.Wrap(ErrInvalidBackendURL, "missing host")
	}

	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return errors.Wrapf(ErrInvalidBackendURL, "host %q: %s", host, err.Error())
	}

	if u.User != nil {
		return errors.Wrap(ErrInvalidBackendURL, "credentials in URL")
	}

	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}

	return false
}
