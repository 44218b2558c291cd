package light_url

import (
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/go-json-experiment/json"
)

var (
	ErrInvalidURL = errors.New("invalid url, a relative url needs a base")
	ErrNoHostname = errors.New("url needs to specify a hostname")
)

var urlPattern = regexp.MustCompile(`^(?P<protocol>[^:/?#]+:)?(?:(?P<slashes>//)?(?:(?P<username>[^@:]*)(?::(?P<password>[^@]*))?@)?(?:(?P<hostname>[^/?#:+]*)(?:\+(?P<version>[^/?#:]*))?(?::(?P<port>[0-9]+))?)?)?(?P<pathname>[^?#]+)?(?P<search>[^#]+)?(?P<hash>.+)?$`)

var (
	// slashesRequired lists protocols that always carry "//".
	slashesRequired = []string{"file:", "https:", "http:", "ftp:"}
	// pathnameRequired lists protocols with a pathname of at least "/".
	pathnameRequired = []string{"https:", "http:", "ftp:"}
)

// Parts are the raw components of a url. Protocol keeps its trailing
// ':', Search its leading '?' and Hash its leading '#'. Version is the
// part of the host after a '+', as in "dat://example.com+12/".
type Parts struct {
	Protocol string
	Slashes  string
	Username string
	Password string
	Hostname string
	Version  string
	Port     string
	Pathname string
	Search   string
	Hash     string
}

// Split splits input into its components without any normalization.
func Split(input string) Parts {
	sm := urlPattern.FindStringSubmatch(input)
	if sm == nil {
		// The pattern matches every string without line breaks.
		return Parts{Pathname: input}
	}
	group := func(name string) string {
		return sm[urlPattern.SubexpIndex(name)]
	}
	p := Parts{
		Protocol: group("protocol"),
		Slashes:  group("slashes"),
		Username: group("username"),
		Password: group("password"),
		Hostname: group("hostname"),
		Version:  group("version"),
		Port:     group("port"),
		Pathname: group("pathname"),
		Search:   group("search"),
		Hash:     group("hash"),
	}
	if p.Hostname == "." || p.Hostname == ".." {
		p.Pathname = p.Hostname + p.Pathname
		p.Hostname = ""
	}
	return p
}

// URL is a parsed url that supports versioned hosts. Unlike net/url
// it treats every protocol the same way. URL is immutable.
type URL struct {
	Parts

	host          string
	href          string
	versionedHref string
}

// Parse parses an absolute url.
func Parse(input string) (*URL, error) {
	return ParseRef(input, nil)
}

// ParseRef parses input relative to base. base may be nil if input
// is absolute.
func ParseRef(input string, base *URL) (*URL, error) {
	p := Split(input)
	if len(p.Protocol) > 0 {
		return FromParts(p), nil
	}
	if base == nil {
		return nil, ErrInvalidURL
	}
	return FromParts(resolveRelative(p, base.Parts)), nil
}

func resolveRelative(p, base Parts) Parts {
	basePath := base.Pathname
	sep := "/../"
	if strings.HasSuffix(basePath, "/") {
		sep = ""
	}
	r := base
	r.Pathname = basePath + sep + p.Pathname
	r.Search = p.Search
	r.Hash = p.Hash
	return r
}

// FromParts builds a URL from p, normalizing its pathname.
func FromParts(p Parts) *URL {
	p.Pathname = sanitizePathname(p.Protocol, p.Pathname)
	u := &URL{Parts: p}

	slashes := p.Slashes
	if slices.Contains(slashesRequired, p.Protocol) {
		slashes = "//"
	}
	var auth string
	if len(p.Username) > 0 {
		auth = p.Username
		if len(p.Password) > 0 {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	var port string
	if len(p.Port) > 0 {
		port = ":" + p.Port
	}
	if len(p.Hostname) > 0 {
		u.host = p.Hostname + port
	}
	prefix := p.Protocol + slashes + auth + p.Hostname
	postfix := port + p.Pathname + p.Search + p.Hash
	u.href = prefix + postfix
	if len(p.Version) > 0 {
		u.versionedHref = prefix + "+" + p.Version + postfix
	} else {
		u.versionedHref = u.href
	}
	return u
}

// sanitizePathname resolves "." and ".." segments.
func sanitizePathname(protocol, pathname string) string {
	if len(pathname) == 0 {
		if slices.Contains(pathnameRequired, protocol) {
			return "/"
		}
		return ""
	}
	segments := strings.Split(pathname, "/")
	kept := make([]string, 0, len(segments))
	ignore := 0
	for i := len(segments) - 1; i >= 0; i-- {
		switch s := segments[i]; {
		case s == ".":
		case s == "..":
			ignore++
		case ignore > 0:
			ignore--
		default:
			kept = append(kept, s)
		}
	}
	slices.Reverse(kept)
	pathname = strings.Join(kept, "/")
	if strings.HasPrefix(pathname, "/") {
		return pathname
	}
	return "/" + pathname
}

// Host returns hostname and port.
func (u *URL) Host() string {
	return u.host
}

// Href returns the url without its version.
func (u *URL) Href() string {
	return u.href
}

// VersionedHref returns the url including the version of the host.
func (u *URL) VersionedHref() string {
	return u.versionedHref
}

func (u *URL) String() string {
	return u.href
}

func (u *URL) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.href)
}
