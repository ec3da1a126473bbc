package types

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	// Subject string `json:"subject"`
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// WebFinger is a struct for a WebFinger response.
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a struct for the links field of a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// ---------------------------------------------------------------------

// NodeInfo is a struct for a NodeInfo response.
type NodeInfo struct {
	Version           string           `json:"version,omitempty" yaml:"version"`
	Software          NodeInfoSoftware `json:"software,omitempty" yaml:"software"`
	Protocols         []string         `json:"protocols,omitempty" yaml:"protocols"`
	OpenRegistrations bool             `json:"openRegistrations,omitempty" yaml:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata,omitempty" yaml:"metadata"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version"`
}

// NodeInfoMetadata is a struct for the metadata field of a NodeInfo response.
type NodeInfoMetadata struct {
	NodeName        string                     `json:"nodeName,omitempty" yaml:"nodeName"`
	NodeDescription string                     `json:"nodeDescription,omitempty" yaml:"nodeDescription"`
	Maintainer      NodeInfoMetadataMaintainer `json:"maintainer,omitempty" yaml:"maintainer"`
	ThemeColor      string                     `json:"themeColor,omitempty" yaml:"themeColor"`
}

// NodeInfoMetadataMaintainer is a struct for the maintainer field of a NodeInfo response.
type NodeInfoMetadataMaintainer struct {
	Name  string `json:"name,omitempty" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email"`
}

// ---------------------------------------------------------------------

// ApObject is the wire-level envelope for every ActivityStreams / ForgeFed
// object this instance sends or receives. Fields are a union over the
// activity and object kinds we speak; omitempty keeps each document minimal.
type ApObject struct {
	Context      any       `json:"@context,omitempty"`
	ID           string    `json:"id,omitempty"`
	Type         string    `json:"type,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Object       any       `json:"object,omitempty"`
	Target       string    `json:"target,omitempty"`
	Result       string    `json:"result,omitempty"`
	To           any       `json:"to,omitempty"`
	CC           any       `json:"cc,omitempty"`
	InReplyTo    string    `json:"inReplyTo,omitempty"`
	Content      string    `json:"content,omitempty"`
	MediaType    string    `json:"mediaType,omitempty"`
	Source       *ApSource `json:"source,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Name         string    `json:"name,omitempty"`
	AttributedTo string    `json:"attributedTo,omitempty"`
	Published    string    `json:"published,omitempty"`

	// actor documents
	Inbox             string `json:"inbox,omitempty"`
	Outbox            string `json:"outbox,omitempty"`
	Followers         string `json:"followers,omitempty"`
	PreferredUsername string `json:"preferredUsername,omitempty"`
	URL               string `json:"url,omitempty"`
	PublicKey         *Key   `json:"publicKey,omitempty"`

	// ForgeFed repository documents and activities
	CloneURI         string `json:"cloneUri,omitempty"`
	TicketsTrackedBy string `json:"ticketsTrackedBy,omitempty"`
	SendPatchesTo    string `json:"sendPatchesTo,omitempty"`
	User             string `json:"user,omitempty"`
	Repository       string `json:"repository,omitempty"`
	Fork             string `json:"fork,omitempty"`
	ForkedBy         string `json:"forkedBy,omitempty"`

	// ForgeFed ticket documents
	TicketContext string `json:"context,omitempty"`
	Team          string `json:"team,omitempty"`
	Replies       string `json:"replies,omitempty"`
	History       string `json:"history,omitempty"`
	Dependants    string `json:"dependants,omitempty"`
	Dependencies  string `json:"dependencies,omitempty"`
	IsResolved    *bool  `json:"isResolved,omitempty"`
	ResolvedBy    string `json:"resolvedBy,omitempty"`
	Resolved      string `json:"resolved,omitempty"`
}

// ApSource is the source field of a Ticket or Note: the raw markup the
// rendered content was produced from.
type ApSource struct {
	Content   string `json:"content,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// Key is a struct for the publicKey field of an actor.
type Key struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// OrderedCollection is a minimal ActivityStreams ordered collection.
type OrderedCollection struct {
	Context      any      `json:"@context,omitempty"`
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type,omitempty"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
}

// Audience flattens the to and cc fields, which senders encode either as a
// single string or as a list.
func (o ApObject) Audience() []string {
	out := make([]string, 0)
	for _, field := range []any{o.To, o.CC} {
		switch v := field.(type) {
		case string:
			out = append(out, v)
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------

type ApConfig struct {
	// FQDN is the public authority of this instance. In debug mode it may
	// carry an explicit port (e.g. "localhost:8000").
	FQDN  string `yaml:"fqdn"`
	Debug bool   `yaml:"debug"`

	// MaxDereferenceDepth bounds recursive dereferences across one activity.
	MaxDereferenceDepth int `yaml:"maxDereferenceDepth"`
}

// Scheme is http in debug and https otherwise.
func (c ApConfig) Scheme() string {
	if c.Debug {
		return "http"
	}
	return "https"
}

func (c ApConfig) DereferenceDepth() int {
	if c.MaxDereferenceDepth <= 0 {
		return 4
	}
	return c.MaxDereferenceDepth
}
