package ap

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/quarryforge/quarry/apub"
	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

// Inbox dispatches a verified inbound activity to its state machine. raw is
// the exact request body; it is reused verbatim when the activity has to be
// forwarded or re-materialized.
func (s *Service) Inbox(ctx context.Context, object types.ApObject, raw []byte, recipient types.Actor) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.Inbox")
	defer span.End()

	if err := checkSameOrigin(object); err != nil {
		span.RecordError(err)
		return err
	}

	switch recipient := recipient.(type) {
	case types.User:
		switch object.Type {
		case vocab.TypeFollow:
			return s.receiveFollow(ctx, object, recipient)
		case vocab.TypeAccept:
			return s.receiveAccept(ctx, object, recipient)
		case vocab.TypeCreate:
			return s.receiveCreate(ctx, object, raw, recipient)
		}
	case types.Repository:
		switch object.Type {
		case vocab.TypeWatch:
			return s.receiveWatch(ctx, object, recipient)
		case vocab.TypeStar:
			return s.receiveStar(ctx, object, recipient)
		case vocab.TypeFork:
			return s.receiveFork(ctx, object, recipient)
		case vocab.TypeOffer:
			return s.receiveOffer(ctx, object, recipient)
		case vocab.TypeCreate:
			return s.receiveCreate(ctx, object, raw, recipient)
		}
	}

	// Unknown activity kinds are dropped, not erred: erring would make the
	// sender retry something we will never handle.
	log.Printf("ignoring %s activity %s for %s", object.Type, object.ID, recipient.ActorApID())
	return nil
}

// checkSameOrigin rejects activities whose id and actor live on different
// hosts. A signed request only proves control of the actor's key, so every
// claim inside the payload must stay on that actor's host.
func checkSameOrigin(object types.ApObject) error {
	if object.ID == "" || object.Actor == "" {
		return errors.Wrap(types.ErrMalformed, "activity is missing id or actor")
	}
	id, err := apub.ParseID[apub.Person](object.Actor)
	if err != nil {
		return err
	}
	if !id.SameHost(object.ID) {
		return errors.Wrapf(types.ErrMalformed, "activity %s claims actor %s on another host", object.ID, object.Actor)
	}
	return nil
}

// objectAsRaw re-encodes the nested object field for path-based extraction.
func objectAsRaw(object types.ApObject) (*types.RawApObj, error) {
	body, err := json.Marshal(object.Object)
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, err.Error())
	}
	raw, err := types.LoadAsRawApObj(body)
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformed, "activity object is not a json object")
	}
	return raw, nil
}

func objectID(object types.ApObject) string {
	switch o := object.Object.(type) {
	case string:
		return o
	case map[string]any:
		if id, ok := o["id"].(string); ok {
			return id
		}
	}
	return ""
}

// -

func (s *Service) receiveFollow(ctx context.Context, object types.ApObject, recipient types.User) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveFollow")
	defer span.End()

	if target := objectID(object); target != recipient.ApID {
		return errors.Wrapf(types.ErrMalformed, "follow object %s is not the inbox owner", target)
	}

	follower, err := s.resolver.User(ctx, object.Actor, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.AddFollowEdge(ctx, types.FollowEdge{
		FollowerApID:  follower.ApID,
		FollowedApID:  recipient.ApID,
		FollowerInbox: follower.Inbox,
	})
	if errors.Is(err, types.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) receiveWatch(ctx context.Context, object types.ApObject, recipient types.Repository) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveWatch")
	defer span.End()

	if target := watchTarget(object); target != recipient.ApID {
		return errors.Wrapf(types.ErrMalformed, "watch repository %s is not the inbox owner", target)
	}

	watcher, err := s.resolver.User(ctx, object.Actor, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.AddWatchEdge(ctx, types.WatchEdge{
		UserApID:       watcher.ApID,
		RepositoryApID: recipient.ApID,
		UserInbox:      watcher.Inbox,
	})
	if errors.Is(err, types.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) receiveStar(ctx context.Context, object types.ApObject, recipient types.Repository) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveStar")
	defer span.End()

	if target := watchTarget(object); target != recipient.ApID {
		return errors.Wrapf(types.ErrMalformed, "star repository %s is not the inbox owner", target)
	}

	stargazer, err := s.resolver.User(ctx, object.Actor, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.AddStarEdge(ctx, types.StarEdge{
		UserApID:       stargazer.ApID,
		RepositoryApID: recipient.ApID,
	})
	if errors.Is(err, types.ErrConflict) {
		return nil
	}
	return err
}

// watchTarget reads the repository a Watch or Star addresses. ForgeFed puts
// it in the repository field; plain ActivityStreams senders use object.
func watchTarget(object types.ApObject) string {
	if object.Repository != "" {
		return object.Repository
	}
	return objectID(object)
}

func (s *Service) receiveFork(ctx context.Context, object types.ApObject, recipient types.Repository) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveFork")
	defer span.End()

	if object.Repository != "" && object.Repository != recipient.ApID {
		return errors.Wrapf(types.ErrMalformed, "fork origin %s is not the inbox owner", object.Repository)
	}

	forkURI := object.Fork
	if forkURI == "" {
		forkURI = objectID(object)
	}
	if forkURI == "" {
		return errors.Wrap(types.ErrMalformed, "fork activity names no fork")
	}

	fork, err := s.resolver.Repository(ctx, forkURI, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	forkedBy := object.ForkedBy
	if forkedBy == "" {
		forkedBy = object.Actor
	}
	actor, err := s.resolver.User(ctx, forkedBy, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.AddForkEdge(ctx, types.ForkEdge{
		RepositoryApID: recipient.ApID,
		ForkApID:       fork.ApID,
		ForkedByApID:   actor.ApID,
	})
	if errors.Is(err, types.ErrConflict) {
		return nil
	}
	return err
}

// receiveOffer accepts a ticket offered to a local repository: the ticket is
// assigned the next number, persisted under this instance's namespace, and an
// Accept naming the new ticket goes back out to the offerer and the
// repository's watchers, signed by the repository actor. The offer envelope
// id is recorded on the ticket, so a redelivered Offer re-sends the Accept
// instead of allocating a second number.
func (s *Service) receiveOffer(ctx context.Context, object types.ApObject, recipient types.Repository) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveOffer")
	defer span.End()

	if !recipient.Local {
		return errors.Wrapf(types.ErrNotFound, "repository %s is not hosted here", recipient.ApID)
	}
	if object.Target != "" && object.Target != recipient.ApID {
		return errors.Wrapf(types.ErrMalformed, "offer target %s is not the inbox owner", object.Target)
	}

	offered, err := objectAsRaw(object)
	if err != nil {
		return err
	}
	if t := offered.MustGetString("type"); t != vocab.TypeTicket {
		return errors.Wrapf(types.ErrMalformed, "offered a %q, only tickets are accepted", t)
	}

	author, err := s.resolver.User(ctx, object.Actor, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	owner, err := s.store.GetUserByApID(ctx, recipient.OwnerApID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	content := offered.MustGetString("source.content")
	mediaType := offered.MustGetString("source.mediaType")
	if content == "" {
		content = offered.MustGetString("content")
		mediaType = offered.MustGetString("mediaType")
	}

	ticket, err := s.store.GetTicketByOfferApID(ctx, object.ID)
	if errors.Is(err, types.ErrNotFound) {
		ticket, err = s.store.CreateTicketNextNumber(ctx, recipient.ApID, func(number int64) types.Ticket {
			id := s.ns.Issue(owner.Username, recipient.Name, number)
			return types.Ticket{
				ApID:            id.String(),
				OfferApID:       object.ID,
				AttributedTo:    author.ApID,
				Summary:         offered.MustGetString("summary"),
				Content:         content,
				MediaType:       mediaType,
				State:           types.TicketOpen,
				Published:       time.Now().UTC(),
				FollowersURI:    id.String() + "/followers",
				TeamURI:         id.String() + "/team",
				RepliesURI:      id.String() + "/replies",
				HistoryURI:      id.String() + "/history",
				DependantsURI:   id.String() + "/dependants",
				DependenciesURI: id.String() + "/dependencies",
				Local:           true,
			}
		})
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.subscribe(ctx, author, ticket.ApID); err != nil {
		span.RecordError(err)
		return err
	}
	if owner.ApID != author.ApID {
		if err := s.subscribe(ctx, owner, ticket.ApID); err != nil {
			span.RecordError(err)
			return err
		}
	}

	accept := types.ApObject{
		Context: vocab.Context(),
		Type:    vocab.TypeAccept,
		ID:      ticket.ApID + "/accept",
		Actor:   recipient.ApID,
		Object:  object.ID,
		Result:  ticket.ApID,
		To:      []string{author.ApID, recipient.Followers},
		PublicKey: &types.Key{
			ID:           recipient.ApID + vocab.KeyFragment,
			Type:         "Key",
			Owner:        recipient.ApID,
			PublicKeyPem: recipient.Publickey,
		},
	}
	body, err := json.Marshal(accept)
	if err != nil {
		return errors.Wrap(types.ErrInternal, err.Error())
	}

	inboxes, err := s.store.WatcherInboxes(ctx, recipient.ApID, store.NoLimit, 0)
	if err != nil {
		span.RecordError(err)
		return err
	}
	inboxes = append(inboxes, author.Inbox)

	return s.queue.Enqueue(ctx, recipient, body, inboxes)
}

// receiveAccept follows up an Offer this instance sent: the result names the
// ticket the remote tracker created, which is mirrored locally so the
// offering user can address it.
func (s *Service) receiveAccept(ctx context.Context, object types.ApObject, recipient types.User) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveAccept")
	defer span.End()

	if object.Result == "" {
		log.Printf("ignoring accept %s with no result", object.ID)
		return nil
	}

	id, err := apub.ParseID[apub.Ticket](object.Result)
	if err != nil {
		return err
	}
	if !id.SameHost(object.Actor) {
		return errors.Wrapf(types.ErrMalformed, "accept result %s is not on the actor's host", object.Result)
	}

	ticket, err := s.resolver.Ticket(ctx, object.Result, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return err
	}

	if ticket.AttributedTo == recipient.ApID {
		return s.subscribe(ctx, recipient, ticket.ApID)
	}
	return nil
}

// receiveCreate stores a pushed Note or Ticket. Already-known objects are
// dropped silently, which also breaks forwarding loops between trackers.
func (s *Service) receiveCreate(ctx context.Context, object types.ApObject, raw []byte, recipient types.Actor) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.ReceiveCreate")
	defer span.End()

	created, err := objectAsRaw(object)
	if err != nil {
		return err
	}
	id := created.MustGetString("id")
	if id == "" {
		return errors.Wrap(types.ErrMalformed, "created object has no id")
	}
	actorID, err := apub.ParseID[apub.Person](object.Actor)
	if err != nil {
		return err
	}
	if !actorID.SameHost(id) {
		return errors.Wrapf(types.ErrMalformed, "created object %s is not on the actor's host", id)
	}

	switch created.MustGetString("type") {
	case vocab.TypeNote:
		if _, err := s.store.GetCommentByApID(ctx, id); err == nil {
			return nil
		}

		comment, err := s.resolver.MaterializeComment(ctx, id, created, s.resolver.Depth())
		if err != nil {
			span.RecordError(err)
			return err
		}

		author, err := s.store.GetUserByApID(ctx, comment.AttributedTo)
		if err == nil {
			if err := s.subscribe(ctx, author, comment.TicketApID); err != nil {
				span.RecordError(err)
				return err
			}
		}

		return s.Forward(ctx, raw, object.Audience(), recipient)

	case vocab.TypeCreate:
		return errors.Wrap(types.ErrMalformed, "nested create")

	case vocab.TypeTicket:
		if _, err := s.resolver.MaterializeTicket(ctx, id, created, s.resolver.Depth()); err != nil {
			span.RecordError(err)
			return err
		}
		return s.Forward(ctx, raw, object.Audience(), recipient)
	}

	log.Printf("ignoring create of %s object %s", created.MustGetString("type"), id)
	return nil
}

func (s *Service) subscribe(ctx context.Context, user types.User, ticketApID string) error {
	err := s.store.AddTicketSubscriber(ctx, types.TicketSubscriber{
		UserApID:   user.ApID,
		TicketApID: ticketApID,
		UserInbox:  user.Inbox,
	})
	if errors.Is(err, types.ErrConflict) {
		return nil
	}
	return err
}

// DeliverLocal short-circuits the delivery queue for inboxes this instance
// owns: the envelope body is dispatched straight into the recipient's inbox
// without an http round trip or a signature check.
func (s *Service) DeliverLocal(ctx context.Context, inbox string, body []byte) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.DeliverLocal")
	defer span.End()

	actorURI, found := strings.CutSuffix(inbox, "/inbox")
	if !found {
		return errors.Wrapf(types.ErrMalformed, "%s is not an inbox url", inbox)
	}
	recipient, err := s.store.GetActorByApID(ctx, actorURI)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var object types.ApObject
	if err := json.Unmarshal(body, &object); err != nil {
		return errors.Wrap(types.ErrMalformed, err.Error())
	}
	return s.Inbox(ctx, object, body, recipient)
}
