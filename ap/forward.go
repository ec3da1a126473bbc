package ap

import (
	"context"

	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
)

// Forward relays a received activity, byte for byte, to the local collections
// named in its audience. Remote audience entries are the origin server's
// responsibility and are skipped; so is the signer's own inbox, which would
// bounce the activity straight back.
func (s *Service) Forward(ctx context.Context, raw []byte, audiences []string, signer types.Actor) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.Forward")
	defer span.End()

	var inboxes []string
	for _, audience := range audiences {
		if audience == "" || !s.ns.IsLocal(audience) {
			continue
		}
		expanded, err := s.store.InboxURLsForRecipientURI(ctx, audience, store.NoLimit)
		if err != nil {
			span.RecordError(err)
			return err
		}
		inboxes = append(inboxes, expanded...)
	}

	own := signer.ActorInbox()
	filtered := inboxes[:0]
	for _, inbox := range inboxes {
		if inbox != own {
			filtered = append(filtered, inbox)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	return s.queue.Enqueue(ctx, signer, raw, filtered)
}
