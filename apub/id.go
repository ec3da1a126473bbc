package apub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/quarryforge/quarry/types"
)

// Kind markers. An ID[Person] and an ID[Repo] never compare equal even when
// someone manages to build them from the same string; handler signatures
// state which kind of object they address.
type (
	Person struct{}
	Repo   struct{}
	Ticket struct{}
	Note   struct{}
)

// ID is a parsed apub URI addressing one object of kind K. Equality is URI
// equality. The zero value is invalid; construct through ParseID or a
// Namespace builder.
type ID[K any] struct {
	raw string
	u   url.URL
}

// ParseID parses raw into a typed apub id. It fails on anything that is not
// an absolute http(s) URI.
func ParseID[K any](raw string) (ID[K], error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ID[K]{}, errors.Wrapf(types.ErrMalformed, "parse apub id %q: %v", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ID[K]{}, errors.Wrapf(types.ErrMalformed, "apub id %q is not an absolute http uri", raw)
	}
	return ID[K]{raw: raw, u: *u}, nil
}

func (i ID[K]) String() string { return i.raw }
func (i ID[K]) Host() string   { return i.u.Host }
func (i ID[K]) IsZero() bool   { return i.raw == "" }

// Inbox derives the actor inbox URI.
func (i ID[K]) Inbox() string { return i.raw + "/inbox" }

// Followers derives the followers collection URI.
func (i ID[K]) Followers() string { return i.raw + "/followers" }

// SameHost reports whether other lives on the same authority. Used for the
// actor/id cross check on inbound activities.
func (i ID[K]) SameHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == i.u.Host
}

// ---------------------------------------------------------------------

// Namespace builds the apub ids owned by this instance:
//
//	{scheme}://{domain}/apub/users/{username}
//	{scheme}://{domain}/apub/users/{owner}/repositories/{repo}
//	.../repositories/{repo}/issues/{number}
//	.../issues/{number}/comments/{uuid}
//
// Scheme is http in debug and https otherwise.
type Namespace struct {
	scheme    string
	authority string
	debug     bool
}

func NewNamespace(config types.ApConfig) Namespace {
	return Namespace{
		scheme:    config.Scheme(),
		authority: config.FQDN,
		debug:     config.Debug,
	}
}

func (n Namespace) Authority() string { return n.authority }

func (n Namespace) base() string {
	return n.scheme + "://" + n.authority + "/apub"
}

func (n Namespace) User(username string) ID[Person] {
	id, _ := ParseID[Person](n.base() + "/users/" + url.PathEscape(username))
	return id
}

func (n Namespace) Repository(owner, repo string) ID[Repo] {
	id, _ := ParseID[Repo](n.User(owner).String() + "/repositories/" + url.PathEscape(repo))
	return id
}

func (n Namespace) Issue(owner, repo string, number int64) ID[Ticket] {
	id, _ := ParseID[Ticket](fmt.Sprintf("%s/issues/%d", n.Repository(owner, repo).String(), number))
	return id
}

func (n Namespace) IssueComment(owner, repo string, number int64, uuid string) ID[Note] {
	id, _ := ParseID[Note](n.Issue(owner, repo, number).String() + "/comments/" + uuid)
	return id
}

// IsLocal classifies an audience or object URL. In debug mode the authority
// comparison includes the port; in release only the hostname counts, since a
// reverse proxy may rewrite ports.
func (n Namespace) IsLocal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if n.debug {
		return u.Host == n.authority
	}
	host := n.authority
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return u.Hostname() == host
}
