package types

import (
	"time"
)

// Ticket states.
const (
	TicketOpen   = "open"
	TicketClosed = "closed"
)

// Actor is the shared behavior of the two actor kinds. Both Users and
// Repositories expose an inbox, a followers collection and a keypair, and
// both can sign deliveries.
type Actor interface {
	ActorApID() string
	ActorInbox() string
	ActorFollowers() string
	PublicKeyPem() string
	PrivateKeyPem() string
	IsLocalActor() bool
}

// User is a db model of a user actor. Remote users carry no private key.
type User struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ApID        string `json:"apId" gorm:"type:text;uniqueIndex"`
	Username    string `json:"username" gorm:"type:text;index"`
	Domain      string `json:"domain" gorm:"type:text"`
	DisplayName string `json:"displayName" gorm:"type:text"`
	Publickey   string `json:"publickey" gorm:"type:text"`
	Privatekey  string `json:"-" gorm:"type:text"`
	Inbox       string `json:"inbox" gorm:"type:text"`
	Outbox      string `json:"outbox" gorm:"type:text"`
	Followers   string `json:"followers" gorm:"type:text"`
	Local       bool   `json:"local" gorm:"type:bool"`
}

func (u User) ActorApID() string      { return u.ApID }
func (u User) ActorInbox() string     { return u.Inbox }
func (u User) ActorFollowers() string { return u.Followers }
func (u User) PublicKeyPem() string   { return u.Publickey }
func (u User) PrivateKeyPem() string  { return u.Privatekey }
func (u User) IsLocalActor() bool     { return u.Local }

// Repository is a db model of a repository actor.
type Repository struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	ApID             string    `json:"apId" gorm:"type:text;uniqueIndex"`
	Name             string    `json:"name" gorm:"type:text;index"`
	Domain           string    `json:"domain" gorm:"type:text"`
	OwnerApID        string    `json:"owner" gorm:"type:text;index"`
	CloneURI         string    `json:"cloneUri" gorm:"type:text"`
	TicketsTrackedBy string    `json:"ticketsTrackedBy" gorm:"type:text"`
	SendPatchesTo    string    `json:"sendPatchesTo" gorm:"type:text"`
	Publickey        string    `json:"publickey" gorm:"type:text"`
	Privatekey       string    `json:"-" gorm:"type:text"`
	Inbox            string    `json:"inbox" gorm:"type:text"`
	Outbox           string    `json:"outbox" gorm:"type:text"`
	Followers        string    `json:"followers" gorm:"type:text"`
	// ItemCount is the ticket numbering sequence. It only moves forward and
	// equals the highest assigned ticket number for local repositories.
	ItemCount int64     `json:"itemCount" gorm:"type:bigint"`
	Published time.Time `json:"published"`
	Local     bool      `json:"local" gorm:"type:bool"`
}

func (r Repository) ActorApID() string      { return r.ApID }
func (r Repository) ActorInbox() string     { return r.Inbox }
func (r Repository) ActorFollowers() string { return r.Followers }
func (r Repository) PublicKeyPem() string   { return r.Publickey }
func (r Repository) PrivateKeyPem() string  { return r.Privatekey }
func (r Repository) IsLocalActor() bool     { return r.Local }

// Ticket is a db model of an issue. Number is 1-based and unique within the
// owning repository. OfferApID records the Offer envelope a local ticket was
// allocated for, so a redelivered Offer finds its ticket instead of
// allocating another number.
type Ticket struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	ApID            string     `json:"apId" gorm:"type:text;uniqueIndex"`
	OfferApID       string     `json:"-" gorm:"type:text;index"`
	RepositoryApID  string     `json:"repository" gorm:"type:text;uniqueIndex:uniq_ticket_number"`
	Number          int64      `json:"number" gorm:"type:bigint;uniqueIndex:uniq_ticket_number"`
	AttributedTo    string     `json:"attributedTo" gorm:"type:text"`
	Summary         string     `json:"summary" gorm:"type:text"`
	Content         string     `json:"content" gorm:"type:text"`
	MediaType       string     `json:"mediaType" gorm:"type:text"`
	State           string     `json:"state" gorm:"type:text"`
	Published       time.Time  `json:"published"`
	ResolvedBy      string     `json:"resolvedBy,omitempty" gorm:"type:text"`
	Resolved        *time.Time `json:"resolved,omitempty"`
	FollowersURI    string     `json:"followersUri" gorm:"type:text"`
	TeamURI         string     `json:"teamUri" gorm:"type:text"`
	RepliesURI      string     `json:"repliesUri" gorm:"type:text"`
	HistoryURI      string     `json:"historyUri" gorm:"type:text"`
	DependantsURI   string     `json:"dependantsUri" gorm:"type:text"`
	DependenciesURI string     `json:"dependenciesUri" gorm:"type:text"`
	Local           bool       `json:"local" gorm:"type:bool"`
}

// Comment is a db model of an issue comment. The UUID primary key is taken
// from the last path segment of the ApID when it parses as a UUID, otherwise
// a fresh one is minted; dedup always keys on ApID.
type Comment struct {
	UUID         string    `json:"uuid" gorm:"primaryKey;type:uuid"`
	ApID         string    `json:"apId" gorm:"type:text;uniqueIndex"`
	TicketApID   string    `json:"ticket" gorm:"type:text;index"`
	AttributedTo string    `json:"attributedTo" gorm:"type:text"`
	Content      string    `json:"content" gorm:"type:text"`
	MediaType    string    `json:"mediaType" gorm:"type:text"`
	InReplyTo    string    `json:"inReplyTo" gorm:"type:text"`
	Published    time.Time `json:"published"`
}

// ---------------------------------------------------------------------
// Edges. All edges are (subject, object) unique; inserts are idempotent at
// the handler level (duplicate key reads as success).

// FollowEdge is a db model of a user-follows-user edge.
type FollowEdge struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	FollowerApID  string `json:"follower" gorm:"type:text;uniqueIndex:uniq_follow"`
	FollowedApID  string `json:"followed" gorm:"type:text;uniqueIndex:uniq_follow"`
	FollowerInbox string `json:"followerInbox" gorm:"type:text"`
}

// WatchEdge is a db model of a user-watches-repository edge.
type WatchEdge struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	UserApID       string `json:"user" gorm:"type:text;uniqueIndex:uniq_watch"`
	RepositoryApID string `json:"repository" gorm:"type:text;uniqueIndex:uniq_watch"`
	UserInbox      string `json:"userInbox" gorm:"type:text"`
}

// StarEdge is a db model of a user-stars-repository edge.
type StarEdge struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	UserApID       string `json:"user" gorm:"type:text;uniqueIndex:uniq_star"`
	RepositoryApID string `json:"repository" gorm:"type:text;uniqueIndex:uniq_star"`
}

// ForkEdge is a db model of a repository-forked-as-repository edge.
type ForkEdge struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	RepositoryApID string `json:"repository" gorm:"type:text;uniqueIndex:uniq_fork"`
	ForkApID       string `json:"fork" gorm:"type:text;uniqueIndex:uniq_fork"`
	ForkedByApID   string `json:"forkedBy" gorm:"type:text"`
}

// TicketSubscriber is a db model of a user-subscribed-to-ticket edge.
type TicketSubscriber struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	UserApID   string `json:"user" gorm:"type:text;uniqueIndex:uniq_ticket_sub"`
	TicketApID string `json:"ticket" gorm:"type:text;uniqueIndex:uniq_ticket_sub"`
	UserInbox  string `json:"userInbox" gorm:"type:text"`
}

// Branch is a db model of a repository branch. At most one branch per
// repository carries IsDefault.
type Branch struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	RepositoryApID string `json:"repository" gorm:"type:text;uniqueIndex:uniq_branch"`
	Name           string `json:"name" gorm:"type:text;uniqueIndex:uniq_branch"`
	IsDefault      bool   `json:"isDefault" gorm:"type:bool"`
}
