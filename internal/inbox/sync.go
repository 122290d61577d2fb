package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/crm-mail/internal/store"
)

// EmailStore is the part of the store the syncer writes to.
type EmailStore interface {
	CreateEmail(ctx context.Context, e *store.Email) error
}

// SyncResult counts what one sync did.
type SyncResult struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
}

func (r *SyncResult) add(o SyncResult) {
	r.Fetched += o.Fetched
	r.Stored += o.Stored
	r.Skipped += o.Skipped
}

// Syncer copies recent IMAP messages into the store as inbound records.
type Syncer struct {
	reader *Reader
	store  EmailStore
	now    func() time.Time

	// Parallelism bounds how many mailboxes are read at once.
	Parallelism int
}

func NewSyncer(reader *Reader, st EmailStore) *Syncer {
	return &Syncer{reader: reader, store: st, now: time.Now, Parallelism: 2}
}

// Sync stores the latest n messages of every mailbox. Messages already in
// the store are counted as skipped. Stored records are read exactly when
// the server has them flagged \Seen.
func (s *Syncer) Sync(ctx context.Context, mailboxes []string, n uint32) (SyncResult, error) {
	var (
		mu    sync.Mutex
		total SyncResult
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Parallelism, 1))
	for _, mailbox := range mailboxes {
		g.Go(func() error {
			res, err := s.syncMailbox(ctx, mailbox, n)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("sync %s: %w", mailbox, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return total, err
}

func (s *Syncer) syncMailbox(ctx context.Context, mailbox string, n uint32) (SyncResult, error) {
	var res SyncResult

	c, release, err := s.reader.connect(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	status, err := c.Select(mailbox, true)
	if err != nil {
		return res, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	seqset, ok := latestRange(n, status.Messages)
	if !ok {
		return res, nil
	}

	err = fetchFull(c, false, seqset, func(f *Fetched) error {
		res.Fetched++
		if f.Message.MessageID == "" {
			f.Message.MessageID = fmt.Sprintf("<%d.%d.%s@imap>", status.UidValidity, f.UID, mailbox)
		}
		rec := store.NewInboundRecord(mailbox, f.Message, s.now())
		rec.IsRead = f.Seen

		err := s.store.CreateEmail(ctx, rec)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			res.Skipped++
			return nil
		case err != nil:
			return err
		}
		res.Stored++
		return nil
	})
	if err == nil {
		s.reader.logger.Info("mailbox synced",
			"mailbox", mailbox,
			"fetched", res.Fetched,
			"stored", res.Stored,
			"skipped", res.Skipped,
		)
	}
	return res, err
}
