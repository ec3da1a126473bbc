package ap

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/quarryforge/quarry/apub"
	"github.com/quarryforge/quarry/delivery"
	"github.com/quarryforge/quarry/resolver"
	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

// Service implements the federation surface: webfinger, actor and object
// documents, the inbox state machines and audience forwarding.
type Service struct {
	store    *store.Store
	resolver *resolver.Resolver
	queue    delivery.Enqueuer
	ns       apub.Namespace
	info     types.NodeInfo
	config   types.ApConfig
}

func NewService(
	store *store.Store,
	resolver *resolver.Resolver,
	queue delivery.Enqueuer,
	info types.NodeInfo,
	config types.ApConfig,
) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		queue:    queue,
		ns:       apub.NewNamespace(config),
		info:     info,
		config:   config,
	}
}

// WebFinger maps acct:{name}[/{repo}]@{host} to the apub namespace. It is a
// pure name lookup; no network requests are made.
func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.WebFinger")
	defer span.End()

	rt, id, found := strings.Cut(resource, ":")
	if !found || rt != "acct" {
		return types.WebFinger{}, errors.Wrapf(types.ErrMalformed, "invalid resource %q", resource)
	}

	name, domain, found := strings.Cut(id, "@")
	if !found {
		return types.WebFinger{}, errors.Wrapf(types.ErrMalformed, "invalid resource %q", resource)
	}
	if domain != s.config.FQDN {
		return types.WebFinger{}, errors.Wrapf(types.ErrNotFound, "domain %q is not served here", domain)
	}

	username, reponame, isRepo := strings.Cut(name, "/")
	user, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.WebFinger{}, err
	}

	self := user.ApID
	if isRepo {
		repo, err := s.store.GetLocalRepositoryByName(ctx, user.ApID, reponame)
		if err != nil {
			span.RecordError(err)
			return types.WebFinger{}, err
		}
		self = repo.ApID
	}

	return types.WebFinger{
		Subject: resource,
		Aliases: []string{self},
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: vocab.ContentTypeActivity,
				Href: self,
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()
	return s.info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: s.config.Scheme() + "://" + s.config.FQDN + "/apub/nodeinfo/2.0",
			},
		},
	}, nil
}

// -

// LocalActor resolves the actor a local apub path addresses: the user when
// reponame is empty, the repository otherwise.
func (s *Service) LocalActor(ctx context.Context, username, reponame string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.LocalActor")
	defer span.End()

	user, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if reponame == "" {
		return user, nil
	}
	repo, err := s.store.GetLocalRepositoryByName(ctx, user.ApID, reponame)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return repo, nil
}

// User renders the Person actor document.
func (s *Service) User(ctx context.Context, username string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.User")
	defer span.End()

	user, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}

	return types.ApObject{
		Context:           vocab.Context(),
		Type:              vocab.TypePerson,
		ID:                user.ApID,
		Inbox:             user.Inbox,
		Outbox:            user.Outbox,
		Followers:         user.Followers,
		PreferredUsername: user.Username,
		Name:              user.DisplayName,
		URL:               user.ApID,
		PublicKey: &types.Key{
			ID:           user.ApID + vocab.KeyFragment,
			Type:         "Key",
			Owner:        user.ApID,
			PublicKeyPem: user.Publickey,
		},
	}, nil
}

// Repository renders the ForgeFed Repository actor document.
func (s *Service) Repository(ctx context.Context, username, reponame string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Repository")
	defer span.End()

	user, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}
	repo, err := s.store.GetLocalRepositoryByName(ctx, user.ApID, reponame)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}

	return types.ApObject{
		Context:          vocab.Context(),
		Type:             vocab.TypeRepository,
		ID:               repo.ApID,
		Name:             repo.Name,
		AttributedTo:     repo.OwnerApID,
		CloneURI:         repo.CloneURI,
		TicketsTrackedBy: repo.TicketsTrackedBy,
		SendPatchesTo:    repo.SendPatchesTo,
		Inbox:            repo.Inbox,
		Outbox:           repo.Outbox,
		Followers:        repo.Followers,
		Published:        repo.Published.UTC().Format(time.RFC3339),
		PublicKey: &types.Key{
			ID:           repo.ApID + vocab.KeyFragment,
			Type:         "Key",
			Owner:        repo.ApID,
			PublicKeyPem: repo.Publickey,
		},
	}, nil
}

// Ticket renders a ticket document.
func (s *Service) Ticket(ctx context.Context, username, reponame string, number int64) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Ticket")
	defer span.End()

	user, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}
	repo, err := s.store.GetLocalRepositoryByName(ctx, user.ApID, reponame)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}
	ticket, err := s.store.GetTicketByNumber(ctx, repo.ApID, number)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}

	resolved := ticket.State == types.TicketClosed
	doc := types.ApObject{
		Context:       vocab.Context(),
		Type:          vocab.TypeTicket,
		ID:            ticket.ApID,
		TicketContext: ticket.RepositoryApID,
		AttributedTo:  ticket.AttributedTo,
		Summary:       ticket.Summary,
		Content:       renderMarkdown(ticket.Content, ticket.MediaType),
		MediaType:     vocab.MediaTypeHTML,
		Source: &types.ApSource{
			Content:   ticket.Content,
			MediaType: ticket.MediaType,
		},
		Published:    ticket.Published.UTC().Format(time.RFC3339),
		Followers:    ticket.FollowersURI,
		Team:         ticket.TeamURI,
		Replies:      ticket.RepliesURI,
		History:      ticket.HistoryURI,
		Dependants:   ticket.DependantsURI,
		Dependencies: ticket.DependenciesURI,
		IsResolved:   &resolved,
	}
	if resolved {
		doc.ResolvedBy = ticket.ResolvedBy
		if ticket.Resolved != nil {
			doc.Resolved = ticket.Resolved.UTC().Format(time.RFC3339)
		}
	}
	return doc, nil
}

// Comment renders an issue comment as a Note.
func (s *Service) Comment(ctx context.Context, username, reponame string, number int64, commentUUID string) (types.ApObject, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Comment")
	defer span.End()

	comment, err := s.store.GetCommentByUUID(ctx, commentUUID)
	if err != nil {
		span.RecordError(err)
		return types.ApObject{}, err
	}

	expected := s.ns.IssueComment(username, reponame, number, commentUUID)
	if comment.ApID != expected.String() {
		return types.ApObject{}, errors.Wrapf(types.ErrNotFound, "comment %s not under %s", commentUUID, expected)
	}

	return types.ApObject{
		Context:       vocab.Context(),
		Type:          vocab.TypeNote,
		ID:            comment.ApID,
		TicketContext: comment.TicketApID,
		AttributedTo:  comment.AttributedTo,
		Content:       renderMarkdown(comment.Content, comment.MediaType),
		MediaType:     vocab.MediaTypeHTML,
		Source: &types.ApSource{
			Content:   comment.Content,
			MediaType: comment.MediaType,
		},
		InReplyTo: comment.InReplyTo,
		Published: comment.Published.UTC().Format(time.RFC3339),
	}, nil
}

// Outbox renders an empty outbox collection. Activity history is not
// retained; the collection exists so the actor document stays dereferenceable.
func (s *Service) Outbox(ctx context.Context, actorApID string) (types.OrderedCollection, error) {
	_, span := tracer.Start(ctx, "Ap.Service.Outbox")
	defer span.End()

	return types.OrderedCollection{
		Context:      vocab.Context(),
		ID:           actorApID + "/outbox",
		Type:         vocab.TypeOrderedCollection,
		OrderedItems: []string{},
	}, nil
}

// Followers renders an actor's followers collection. For repositories the
// watchers form the collection.
func (s *Service) Followers(ctx context.Context, actorApID string) (types.OrderedCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Followers")
	defer span.End()

	actor, err := s.store.GetActorByApID(ctx, actorApID)
	if err != nil {
		span.RecordError(err)
		return types.OrderedCollection{}, err
	}

	var ids []string
	switch actor.(type) {
	case types.User:
		ids, err = s.store.FollowerIDs(ctx, actorApID, store.NoLimit, 0)
	case types.Repository:
		ids, err = s.store.WatcherIDs(ctx, actorApID, store.NoLimit, 0)
	}
	if err != nil {
		span.RecordError(err)
		return types.OrderedCollection{}, err
	}
	if ids == nil {
		ids = []string{}
	}

	return types.OrderedCollection{
		Context:      vocab.Context(),
		ID:           actor.ActorFollowers(),
		Type:         vocab.TypeOrderedCollection,
		TotalItems:   len(ids),
		OrderedItems: ids,
	}, nil
}
