package export

import (
	"context"
	"fmt"
	"log"
)

// Uploader copies a cache to object storage.
type Uploader interface {
	Upload(ctx context.Context, resolverID int, data []byte) error
}

// Publisher combines the publish targets. Files may be nil when only object
// storage is used; Uploader and Notifier are optional.
type Publisher struct {
	Files    *FileExporter
	Uploader Uploader
	Notifier *Notifier
}

// Publish fails when the file publish fails. Upload errors are logged,
// unless object storage is the only target.
func (p *Publisher) Publish(ctx context.Context, resolverID int, data []byte) error {
	if p.Files == nil && p.Uploader == nil {
		return fmt.Errorf("no publish target configured")
	}

	if p.Files != nil {
		if err := p.Files.Export(resolverID, data); err != nil {
			return err
		}
	}

	if p.Uploader != nil {
		if err := p.Uploader.Upload(ctx, resolverID, data); err != nil {
			if p.Files == nil {
				return err
			}
			log.Printf("export: upload resolver #%d failed: %v", resolverID, err)
		}
	}

	if p.Notifier != nil {
		p.Notifier.Notify(resolverID)
	}
	return nil
}
