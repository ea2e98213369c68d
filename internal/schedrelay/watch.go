package schedrelay

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchConfigFile observes external edits to a file-backed tenant config
// document, re-validating each tenant entry and logging the outcome so a
// bad hand-edit is caught before the next sync reads it. Blocks until ctx
// is done.
func WatchConfigFile(ctx context.Context, path string, store *ConfigStore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and the tmp+rename save path replace
	// the file node, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			revalidateConfig(store, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watch error: %v", err)
		}
	}
}

func revalidateConfig(store *ConfigStore, path string) {
	ids, err := store.TenantIDs()
	if err != nil {
		log.Printf("config file %s changed but could not be read: %v", path, err)
		return
	}
	invalid := 0
	for _, id := range ids {
		cfg, ok, err := store.Get(id)
		if err != nil || !ok {
			continue
		}
		if err := ValidateTenantConfigDocument(cfg); err != nil {
			invalid++
			log.Printf("tenant %s config failed validation after external edit: %v", id, err)
		}
	}
	log.Printf("config file %s reloaded: %d tenants, %d invalid", path, len(ids), invalid)
}
