package resolver

import (
	"context"
	"crypto"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

var tracer = otel.Tracer("resolver")

// Fetcher is the outbound half of dereferencing. apclient.ApClient satisfies
// it; tests substitute canned documents.
type Fetcher interface {
	FetchObject(ctx context.Context, uri string, signer types.Actor) (*types.RawApObj, error)
}

// Resolver lazily materializes remote actors and objects into the local
// store. Every dereference carries a depth budget: each hop through a
// referenced parent (comment -> ticket -> repository -> owner) consumes one
// unit, and exhausting the budget aborts with ErrTooDeep.
type Resolver struct {
	store   *store.Store
	fetcher Fetcher
	config  types.ApConfig
}

func NewResolver(store *store.Store, fetcher Fetcher, config types.ApConfig) *Resolver {
	return &Resolver{
		store,
		fetcher,
		config,
	}
}

// Depth is the budget a handler hands to its first dereference.
func (r *Resolver) Depth() int {
	return r.config.DereferenceDepth()
}

func parsePublished(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func lastSegment(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return trimmed
	}
	return trimmed[i+1:]
}

// ---------------------------------------------------------------------
// Users

// User returns the local row for uri, fetching and materializing the remote
// actor when unknown.
func (r *Resolver) User(ctx context.Context, uri string, depth int) (types.User, error) {
	ctx, span := tracer.Start(ctx, "Resolver.User")
	defer span.End()

	user, err := r.store.GetUserByApID(ctx, uri)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.User{}, err
	}

	if depth <= 0 {
		return types.User{}, errors.Wrapf(types.ErrTooDeep, "dereference %s", uri)
	}

	raw, err := r.fetcher.FetchObject(ctx, uri, nil)
	if err != nil {
		span.RecordError(err)
		return types.User{}, err
	}
	return r.materializeUser(ctx, uri, raw)
}

// UserLocal requires the row to already exist.
func (r *Resolver) UserLocal(ctx context.Context, uri string) (types.User, error) {
	ctx, span := tracer.Start(ctx, "Resolver.UserLocal")
	defer span.End()

	return r.store.GetUserByApID(ctx, uri)
}

func (r *Resolver) materializeUser(ctx context.Context, uri string, raw *types.RawApObj) (types.User, error) {
	if t := raw.MustGetString("type"); t != vocab.TypePerson {
		return types.User{}, errors.Wrapf(types.ErrMalformed, "%s is a %q, not a Person", uri, t)
	}
	inbox, ok := raw.GetString("inbox")
	if !ok {
		return types.User{}, errors.Wrapf(types.ErrMalformed, "actor %s has no inbox", uri)
	}

	user := types.User{
		ApID:        uri,
		Username:    raw.MustGetString("preferredUsername"),
		Domain:      hostOf(uri),
		DisplayName: raw.MustGetString("name"),
		Publickey:   raw.MustGetString("publicKey.publicKeyPem"),
		Inbox:       inbox,
		Outbox:      raw.MustGetString("outbox"),
		Followers:   raw.MustGetString("followers"),
		Local:       false,
	}

	// refresh path: keep the numeric id, overwrite the rest
	if existing, err := r.store.GetUserByApID(ctx, uri); err == nil {
		user.ID = existing.ID
		return r.store.SaveUser(ctx, user)
	}

	created, err := r.store.CreateUser(ctx, user)
	if errors.Is(err, types.ErrConflict) {
		return r.store.GetUserByApID(ctx, uri)
	}
	return created, err
}

// ---------------------------------------------------------------------
// Repositories

func (r *Resolver) Repository(ctx context.Context, uri string, depth int) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "Resolver.Repository")
	defer span.End()

	repo, err := r.store.GetRepositoryByApID(ctx, uri)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Repository{}, err
	}

	if depth <= 0 {
		return types.Repository{}, errors.Wrapf(types.ErrTooDeep, "dereference %s", uri)
	}

	raw, err := r.fetcher.FetchObject(ctx, uri, nil)
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}
	return r.materializeRepository(ctx, uri, raw, depth)
}

func (r *Resolver) RepositoryLocal(ctx context.Context, uri string) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "Resolver.RepositoryLocal")
	defer span.End()

	return r.store.GetRepositoryByApID(ctx, uri)
}

func (r *Resolver) materializeRepository(ctx context.Context, uri string, raw *types.RawApObj, depth int) (types.Repository, error) {
	if t := raw.MustGetString("type"); t != vocab.TypeRepository {
		return types.Repository{}, errors.Wrapf(types.ErrMalformed, "%s is a %q, not a Repository", uri, t)
	}
	inbox, ok := raw.GetString("inbox")
	if !ok {
		return types.Repository{}, errors.Wrapf(types.ErrMalformed, "actor %s has no inbox", uri)
	}

	ownerURI, ok := raw.GetString("attributedTo")
	if !ok {
		return types.Repository{}, errors.Wrapf(types.ErrMalformed, "repository %s has no attributedTo", uri)
	}
	owner, err := r.User(ctx, ownerURI, depth-1)
	if err != nil {
		return types.Repository{}, err
	}

	repo := types.Repository{
		ApID:             uri,
		Name:             raw.MustGetString("name"),
		Domain:           hostOf(uri),
		OwnerApID:        owner.ApID,
		CloneURI:         raw.MustGetString("cloneUri"),
		TicketsTrackedBy: raw.MustGetString("ticketsTrackedBy"),
		SendPatchesTo:    raw.MustGetString("sendPatchesTo"),
		Publickey:        raw.MustGetString("publicKey.publicKeyPem"),
		Inbox:            inbox,
		Outbox:           raw.MustGetString("outbox"),
		Followers:        raw.MustGetString("followers"),
		Published:        parsePublished(raw.MustGetString("published")),
		Local:            false,
	}

	if existing, err := r.store.GetRepositoryByApID(ctx, uri); err == nil {
		repo.ID = existing.ID
		repo.ItemCount = existing.ItemCount
		return r.store.SaveRepository(ctx, repo)
	}

	created, err := r.store.CreateRepository(ctx, repo)
	if errors.Is(err, types.ErrConflict) {
		return r.store.GetRepositoryByApID(ctx, uri)
	}
	return created, err
}

// ---------------------------------------------------------------------
// Tickets

func (r *Resolver) Ticket(ctx context.Context, uri string, depth int) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "Resolver.Ticket")
	defer span.End()

	ticket, err := r.store.GetTicketByApID(ctx, uri)
	if err == nil {
		return ticket, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Ticket{}, err
	}

	if depth <= 0 {
		return types.Ticket{}, errors.Wrapf(types.ErrTooDeep, "dereference %s", uri)
	}

	raw, err := r.fetcher.FetchObject(ctx, uri, nil)
	if err != nil {
		span.RecordError(err)
		return types.Ticket{}, err
	}
	return r.materializeTicket(ctx, uri, raw, depth)
}

func (r *Resolver) TicketLocal(ctx context.Context, uri string) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "Resolver.TicketLocal")
	defer span.End()

	return r.store.GetTicketByApID(ctx, uri)
}

// MaterializeTicket stores a ticket mirror from an already-fetched document,
// dereferencing the owning repository and author as needed. Pushed ticket
// payloads take this path so they are not re-fetched.
func (r *Resolver) MaterializeTicket(ctx context.Context, uri string, raw *types.RawApObj, depth int) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "Resolver.MaterializeTicket")
	defer span.End()

	if ticket, err := r.store.GetTicketByApID(ctx, uri); err == nil {
		return ticket, nil
	}
	return r.materializeTicket(ctx, uri, raw, depth)
}

func (r *Resolver) materializeTicket(ctx context.Context, uri string, raw *types.RawApObj, depth int) (types.Ticket, error) {
	if t := raw.MustGetString("type"); t != vocab.TypeTicket {
		return types.Ticket{}, errors.Wrapf(types.ErrMalformed, "%s is a %q, not a Ticket", uri, t)
	}

	repoURI, ok := raw.GetString("context")
	if !ok {
		return types.Ticket{}, errors.Wrapf(types.ErrMalformed, "ticket %s has no context", uri)
	}
	repo, err := r.Repository(ctx, repoURI, depth-1)
	if err != nil {
		return types.Ticket{}, err
	}

	authorURI, ok := raw.GetString("attributedTo")
	if !ok {
		return types.Ticket{}, errors.Wrapf(types.ErrMalformed, "ticket %s has no attributedTo", uri)
	}
	author, err := r.User(ctx, authorURI, depth-1)
	if err != nil {
		return types.Ticket{}, err
	}

	number, err := strconv.ParseInt(lastSegment(uri), 10, 64)
	if err != nil {
		return types.Ticket{}, errors.Wrapf(types.ErrMalformed, "ticket %s has no numeric trailing segment", uri)
	}

	content := raw.MustGetString("source.content")
	mediaType := raw.MustGetString("source.mediaType")
	if content == "" {
		content = raw.MustGetString("content")
		mediaType = raw.MustGetString("mediaType")
	}

	state := types.TicketOpen
	if resolved, ok := raw.GetBool("isResolved"); ok && resolved {
		state = types.TicketClosed
	}

	ticket := types.Ticket{
		ApID:            uri,
		RepositoryApID:  repo.ApID,
		Number:          number,
		AttributedTo:    author.ApID,
		Summary:         raw.MustGetString("summary"),
		Content:         content,
		MediaType:       mediaType,
		State:           state,
		Published:       parsePublished(raw.MustGetString("published")),
		FollowersURI:    raw.MustGetString("followers"),
		TeamURI:         raw.MustGetString("team"),
		RepliesURI:      raw.MustGetString("replies"),
		HistoryURI:      raw.MustGetString("history"),
		DependantsURI:   raw.MustGetString("dependants"),
		DependenciesURI: raw.MustGetString("dependencies"),
		Local:           false,
	}

	created, err := r.store.CreateTicket(ctx, ticket)
	if errors.Is(err, types.ErrConflict) {
		return r.store.GetTicketByApID(ctx, uri)
	}
	return created, err
}

// ---------------------------------------------------------------------
// Comments

func (r *Resolver) Comment(ctx context.Context, uri string, depth int) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "Resolver.Comment")
	defer span.End()

	comment, err := r.store.GetCommentByApID(ctx, uri)
	if err == nil {
		return comment, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Comment{}, err
	}

	if depth <= 0 {
		return types.Comment{}, errors.Wrapf(types.ErrTooDeep, "dereference %s", uri)
	}

	raw, err := r.fetcher.FetchObject(ctx, uri, nil)
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, err
	}
	return r.MaterializeComment(ctx, uri, raw, depth)
}

// CommentUUID derives the primary key from a comment id: the trailing path
// segment when it parses as a UUID, a fresh one otherwise. Dedup keys on the
// full ApID, so a minted UUID never causes a duplicate row.
func CommentUUID(uri string) string {
	if id, err := uuid.Parse(lastSegment(uri)); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// MaterializeComment persists a Note payload that arrived by push or fetch.
func (r *Resolver) MaterializeComment(ctx context.Context, uri string, raw *types.RawApObj, depth int) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "Resolver.MaterializeComment")
	defer span.End()

	if t := raw.MustGetString("type"); t != vocab.TypeNote {
		return types.Comment{}, errors.Wrapf(types.ErrMalformed, "%s is a %q, not a Note", uri, t)
	}

	ticketURI, ok := raw.GetString("context")
	if !ok {
		return types.Comment{}, errors.Wrapf(types.ErrMalformed, "note %s has no context", uri)
	}
	ticket, err := r.Ticket(ctx, ticketURI, depth-1)
	if err != nil {
		return types.Comment{}, err
	}

	authorURI, ok := raw.GetString("attributedTo")
	if !ok {
		return types.Comment{}, errors.Wrapf(types.ErrMalformed, "note %s has no attributedTo", uri)
	}
	author, err := r.User(ctx, authorURI, depth-1)
	if err != nil {
		return types.Comment{}, err
	}

	content := raw.MustGetString("source.content")
	mediaType := raw.MustGetString("source.mediaType")
	if content == "" {
		content = raw.MustGetString("content")
		mediaType = raw.MustGetString("mediaType")
		if mediaType == "" || mediaType == vocab.MediaTypeHTML {
			if markdown, err := htmlToMarkdown(strings.NewReader(content)); err == nil {
				content = markdown
				mediaType = vocab.MediaTypeMarkdown
			}
		}
	}

	comment := types.Comment{
		UUID:         CommentUUID(uri),
		ApID:         uri,
		TicketApID:   ticket.ApID,
		AttributedTo: author.ApID,
		Content:      content,
		MediaType:    mediaType,
		InReplyTo:    raw.MustGetString("inReplyTo"),
		Published:    parsePublished(raw.MustGetString("published")),
	}

	created, err := r.store.CreateComment(ctx, comment)
	if errors.Is(err, types.ErrConflict) {
		return r.store.GetCommentByApID(ctx, uri)
	}
	return created, err
}

// ---------------------------------------------------------------------
// Key lookup for the inbound verifier

// ActorKey dereferences a signature keyId to the owning actor's public key.
// Local actors resolve from the store; unknown remote signers are fetched
// and materialized.
func (r *Resolver) ActorKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	ctx, span := tracer.Start(ctx, "Resolver.ActorKey")
	defer span.End()

	actorURI := keyID
	if i := strings.IndexByte(actorURI, '#'); i >= 0 {
		actorURI = actorURI[:i]
	}

	actor, err := r.store.GetActorByApID(ctx, actorURI)
	if errors.Is(err, types.ErrNotFound) {
		var user types.User
		user, err = r.User(ctx, actorURI, r.Depth())
		if err != nil {
			log.Println("key dereference failed", actorURI, err)
			return nil, errors.Wrap(types.ErrUnauthorized, err.Error())
		}
		actor = user
	} else if err != nil {
		return nil, err
	}

	if actor.PublicKeyPem() == "" {
		return nil, errors.Wrapf(types.ErrUnauthorized, "actor %s has no public key", actorURI)
	}
	return store.ParsePublicKeyPem(actor.PublicKeyPem())
}
