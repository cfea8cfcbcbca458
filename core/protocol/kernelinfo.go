package protocol

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// KernelCommandInfo names a command type a kernel accepts.
type KernelCommandInfo struct {
	Name CommandType `json:"name"`
}

// KernelDirectiveInfo names a magic directive a kernel understands.
type KernelDirectiveInfo struct {
	Name string `json:"name"`
}

// KernelInfo is the externally visible description of a kernel.
type KernelInfo struct {
	LocalName               string                `json:"localName"`
	Aliases                 []string              `json:"aliases"`
	LanguageName            string                `json:"languageName,omitempty"`
	LanguageVersion         string                `json:"languageVersion,omitempty"`
	DisplayName             string                `json:"displayName,omitempty"`
	URI                     string                `json:"uri,omitempty"`
	RemoteURI               string                `json:"remoteUri,omitempty"`
	IsProxy                 bool                  `json:"isProxy,omitempty"`
	IsComposite             bool                  `json:"isComposite,omitempty"`
	SupportedKernelCommands []KernelCommandInfo   `json:"supportedKernelCommands"`
	SupportedDirectives     []KernelDirectiveInfo `json:"supportedDirectives"`
}

// Clone returns a copy that shares no slices with the receiver.
func (i KernelInfo) Clone() KernelInfo {
	c := i
	c.Aliases = append([]string(nil), i.Aliases...)
	c.SupportedKernelCommands = append([]KernelCommandInfo(nil), i.SupportedKernelCommands...)
	c.SupportedDirectives = append([]KernelDirectiveInfo(nil), i.SupportedDirectives...)
	return c
}

// Supports reports whether commandType is listed in SupportedKernelCommands.
func (i KernelInfo) Supports(commandType CommandType) bool {
	for _, c := range i.SupportedKernelCommands {
		if c.Name == commandType {
			return true
		}
	}
	return false
}

// AddSupportedCommand appends commandType unless already present.
func (i *KernelInfo) AddSupportedCommand(commandType CommandType) {
	if i.Supports(commandType) {
		return
	}
	i.SupportedKernelCommands = append(i.SupportedKernelCommands, KernelCommandInfo{Name: commandType})
}

// AddAliases appends aliases that are not already present and differ from LocalName.
func (i *KernelInfo) AddAliases(aliases ...string) {
	for _, a := range aliases {
		if a == "" || strings.EqualFold(a, i.LocalName) {
			continue
		}
		dup := false
		for _, existing := range i.Aliases {
			if strings.EqualFold(existing, a) {
				dup = true
				break
			}
		}
		if !dup {
			i.Aliases = append(i.Aliases, a)
		}
	}
}

// LanguageSemver parses LanguageVersion. Versions such as "3.11" are accepted.
func (i KernelInfo) LanguageSemver() (*semver.Version, error) {
	if i.LanguageVersion == "" {
		return nil, fmt.Errorf("kernel %s has no language version", i.LocalName)
	}
	v, err := semver.NewVersion(i.LanguageVersion)
	if err != nil {
		return nil, fmt.Errorf("kernel %s language version %q: %w", i.LocalName, i.LanguageVersion, err)
	}
	return v, nil
}

// NormalizeURI canonicalises a kernel URI so that equal kernels compare equal as strings:
// scheme and host are lower-cased and a trailing slash is dropped.
func NormalizeURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("kernel uri is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse kernel uri %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("kernel uri %q must be absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.Fragment = ""
	return u.String(), nil
}

// SameURI compares two kernel URIs after normalisation. Unparseable URIs never match.
func SameURI(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	na, err := NormalizeURI(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeURI(b)
	if err != nil {
		return false
	}
	return na == nb
}

// KernelURI builds the URI of a kernel named name under hostURI.
func KernelURI(hostURI, name string) (string, error) {
	base, err := NormalizeURI(hostURI)
	if err != nil {
		return "", err
	}
	return NormalizeURI(base + "/" + url.PathEscape(name))
}
