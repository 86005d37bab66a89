package ics

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/store"
)

// SyncResult summarizes one Sync run.
type SyncResult struct {
	Sources  int
	Imported int
	Skipped  int
}

// Sync fetches every source, parses it and upserts the events into w under
// familyID. A failing source does not stop the others; all failures are
// joined into the returned error.
func Sync(ctx context.Context, f *Fetcher, w store.Writer, familyID string, sources []Source) (SyncResult, error) {
	var res SyncResult
	fetched, errs := f.FetchAll(ctx, sources)

	for _, fr := range fetched {
		events, err := ParseICS(fr.Source, fr.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", fr.Source.ID, err))
			continue
		}
		res.Sources++
		n, skipped, err := Import(ctx, w, familyID, events)
		res.Imported += n
		res.Skipped += skipped
		if err != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", fr.Source.ID, err))
		}
	}

	appLog.Info("ics sync completed", "family", familyID, "sources", res.Sources,
		"imported", res.Imported, "skipped", res.Skipped, "errors", len(errs))
	return res, errors.Join(errs...)
}

// Import upserts parsed events under familyID. Event IDs are rekeyed per
// family so two families subscribed to the same feed keep separate copies.
// Events the store rejects as invalid are skipped and counted; any other
// error aborts the import.
func Import(ctx context.Context, w store.Writer, familyID string, events []model.StoredEvent) (imported, skipped int, err error) {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return imported, skipped, err
		}
		ev.FamilyID = familyID
		ev.ID = familyEventID(familyID, ev.ID)
		if _, err := w.CreateEvent(ctx, ev); err != nil {
			if errors.Is(err, store.ErrInvalidEvent) {
				appLog.Warn("ics import: skipping invalid event", "id", ev.ID, "title", ev.Title, "error", err)
				skipped++
				continue
			}
			return imported, skipped, err
		}
		imported++
	}
	return imported, skipped, nil
}

// familyEventID scopes a feed event ID to one family.
func familyEventID(familyID, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("famcal:"+familyID+"/"+id)).String()
}
