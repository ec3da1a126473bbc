package vocab

// JSON-LD contexts attached to every outgoing envelope.
const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	ForgeFedContext        = "https://forgefed.org/ns"
)

// Context is the @context value for outgoing activities and documents.
func Context() []string {
	return []string{ActivityStreamsContext, SecurityContext, ForgeFedContext}
}

// Object and activity type names.
const (
	TypePerson     = "Person"
	TypeRepository = "Repository"
	TypeTicket     = "Ticket"
	TypeNote       = "Note"

	TypeFollow = "Follow"
	TypeWatch  = "Watch"
	TypeStar   = "Star"
	TypeFork   = "Fork"
	TypeOffer  = "Offer"
	TypeAccept = "Accept"
	TypeCreate = "Create"

	TypeOrderedCollection = "OrderedCollection"
)

const (
	MediaTypeMarkdown = "text/markdown; variant=CommonMark"
	MediaTypeHTML     = "text/html"

	ContentTypeActivity = "application/activity+json"
	ContentTypeJRD      = "application/jrd+json"
)

// KeyFragment distinguishes the actor main key id from the actor id.
const KeyFragment = "#main-key"
