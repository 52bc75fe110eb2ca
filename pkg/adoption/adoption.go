package adoption

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rescp17/deckrocket/pkg/receiver"
	"github.com/rescp17/deckrocket/pkg/settings"
	"github.com/sirupsen/logrus"
)

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, title, message string) (bool, error)
}

// AutoPrompter answers every question the same way without asking.
type AutoPrompter struct {
	Accept bool
}

func (a AutoPrompter) Confirm(context.Context, string, string) (bool, error) {
	return a.Accept, nil
}

// Reloader tells the presentation view to reload its current content.
type Reloader interface {
	Reload()
}

// ReloadFunc adapts a function to Reloader.
type ReloadFunc func()

func (f ReloadFunc) Reload() { f() }

// Sink adopts received files into a documents directory after asking the user.
type Sink struct {
	documentsDir string
	prompter     Prompter
	store        settings.Store
	reloader     Reloader
	logger       logrus.FieldLogger
}

var _ receiver.Sink = (*Sink)(nil)

func New(documentsDir string, prompter Prompter, store settings.Store, reloader Reloader, logger logrus.FieldLogger) *Sink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reloader == nil {
		reloader = ReloadFunc(func() {})
	}
	return &Sink{
		documentsDir: documentsDir,
		prompter:     prompter,
		store:        store,
		reloader:     reloader,
		logger:       logger.WithField("component", "adoption"),
	}
}

// Destination is where an adopted file named name ends up.
func (s *Sink) Destination(name string) string {
	return filepath.Join(s.documentsDir, filepath.Base(name))
}

// Adopt asks whether to load file. On acceptance the staged file replaces any
// existing file of the same name, its name is persisted under the file's
// settings key and the view is reloaded. On rejection the staged file is
// discarded. A failed replace returns an error wrapping
// receiver.ErrDestinationReplaceFailed and leaves settings untouched.
func (s *Sink) Adopt(ctx context.Context, file receiver.ClassifiedFile) error {
	log := s.logger.WithFields(logrus.Fields{"name": file.Name, "kind": file.Kind.String()})

	message := fmt.Sprintf("Would you like to load %q?", file.Name)
	accepted, err := s.prompter.Confirm(ctx, file.PromptTitle, message)
	if err != nil {
		s.discard(file.Location)
		return fmt.Errorf("failed to ask about %s: %w", file.Name, err)
	}
	if !accepted {
		log.Info("User declined received file")
		s.discard(file.Location)
		return nil
	}

	dest := s.Destination(file.Name)
	if err := replace(file.Location, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", receiver.ErrDestinationReplaceFailed, dest, err)
	}

	if err := s.store.Set(file.SettingsKey, file.Name); err != nil {
		return fmt.Errorf("failed to persist %s: %w", file.SettingsKey, err)
	}

	log.WithField("path", dest).Info("Adopted received file")
	s.reloader.Reload()
	return nil
}

func (s *Sink) discard(location string) {
	if location == "" {
		return
	}
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("location", location).Warn("Failed to discard staged file")
	}
}

// replace moves src to dst, removing whatever was at dst first. When a rename
// is not possible (e.g. across filesystems) the file is copied instead.
func replace(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
