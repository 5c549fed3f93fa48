package trigger

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// Marker files the platform touches in the trigger directory. Each marker is
// removed once its notification has been queued.
const (
	MarkerSlotStatusChanged   = "slot-status-changed"
	MarkerSetupWizardFinished = "setup-wizard-finished"
)

type Notifier interface {
	NotifySlotStatusChanged()
	NotifySetupWizardFinished()
}

type FileWatcher struct {
	tomb     tomb.Tomb
	dir      string
	notifier Notifier
	watcher  *fsnotify.Watcher
}

func NewFileWatcher(dir string, notifier Notifier) (*FileWatcher, error) {
	if notifier == nil {
		return nil, errors.NotValidf("nil Notifier")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Annotatef(err, "create trigger dir %q", dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "create fsnotify watcher")
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Annotatef(err, "watch %q", dir)
	}
	fw := &FileWatcher{dir: dir, notifier: notifier, watcher: watcher}
	fw.tomb.Go(fw.loop)
	return fw, nil
}

func (fw *FileWatcher) Kill() {
	fw.tomb.Kill(nil)
}

func (fw *FileWatcher) Wait() error {
	return fw.tomb.Wait()
}

func (fw *FileWatcher) loop() error {
	defer fw.watcher.Close() //nolint:errcheck

	// markers written while the daemon was down
	for _, name := range []string{MarkerSlotStatusChanged, MarkerSetupWizardFinished} {
		fw.consume(name)
	}

	for {
		select {
		case <-fw.tomb.Dying():
			return tomb.ErrDying
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			fw.consume(filepath.Base(ev.Name))
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			logger.Warningf("trigger dir watch: %v", err)
		}
	}
}

// consume removes the marker and notifies only if this call removed it, so a
// marker raising several events is handled once.
func (fw *FileWatcher) consume(name string) {
	if name != MarkerSlotStatusChanged && name != MarkerSetupWizardFinished {
		return
	}
	if err := os.Remove(filepath.Join(fw.dir, name)); err != nil {
		if !os.IsNotExist(err) {
			logger.Warningf("remove trigger marker %s: %v", name, err)
		}
		return
	}
	switch name {
	case MarkerSlotStatusChanged:
		fw.notifier.NotifySlotStatusChanged()
	case MarkerSetupWizardFinished:
		fw.notifier.NotifySetupWizardFinished()
	}
}
