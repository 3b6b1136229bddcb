package quota

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads policy files when they change on disk and hands the
// result to onChange. A removed file is reported as the default policy. onChange is called from the watcher goroutine; callers
// are expected to post the update onto their own loop.
type Watcher struct {
	loader   *Loader
	onChange func(user string, p *Policy)
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher on the loader's directory.
func NewWatcher(loader *Loader, onChange func(user string, p *Policy), logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := fsw.Add(loader.Dir()); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", loader.Dir(), err)
	}

	return &Watcher{
		loader:   loader,
		onChange: onChange,
		watcher:  fsw,
		logger:   logger.With().Str("component", "policy-watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Info().Str("dir", w.loader.Dir()).Msg("Policy watcher started")
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	w.logger.Info().Msg("Policy watcher stopped")
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Ext(event.Name) != PolicyFileExt {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}

	user := strings.TrimSuffix(filepath.Base(event.Name), PolicyFileExt)
	if !w.loader.Managed(user) {
		// A rename onto the path is followed by its own Create.
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.logger.Warn().Str("user", user).Msg("Policy file removed, user is no longer limited")
			w.onChange(user, Default(user))
		}
		return
	}

	p, ok := w.loader.Load(user)
	if !ok {
		w.logger.Warn().Str("user", user).Msg("Changed policy file could not be read, keeping current policy")
		return
	}

	w.logger.Info().Str("user", user).Msg("Policy file changed")
	w.onChange(user, p)
}
