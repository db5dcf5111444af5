package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"

	"github.com/orb-framework/orb-sub003/core"
)

// Classifier maps a native driver error to a typed execution error. It
// returns nil when the error is not one it recognises.
type Classifier interface {
	Classify(err error) *core.ExecError
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) *core.ExecError

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) *core.ExecError { return f(err) }

// Message shapes emitted by PostgreSQL for integrity violations. They are
// tied to the server's message wording and only serve as a fallback when a
// driver does not expose structured error codes.
var (
	duplicateKey     = regexp.MustCompile(`Key \((.*)\)=\((.*)\) already exists\.`)
	duplicateLowered = regexp.MustCompile(`Key \(lower\((\w+)\)::text\)=\((.*)\) already exists\.`)
	stillReferenced  = regexp.MustCompile(`Key .* is still referenced from table ".*"`)
)

// CannotDeleteMessage is reported for foreign key violations on delete.
const CannotDeleteMessage = "Cannot remove this record, it is still being referenced."

// MessageClassifier recognises integrity violations by their message text.
type MessageClassifier struct{}

// Classify implements Classifier.
func (MessageClassifier) Classify(err error) *core.ExecError {
	msg := err.Error()
	if value, ok := DuplicateValue(msg); ok {
		return core.NewExecError(core.ErrDuplicateEntry, DuplicateMessage(value), "", nil, err)
	}
	if stillReferenced.MatchString(msg) {
		return core.NewExecError(core.ErrCannotDelete, CannotDeleteMessage, "", nil, err)
	}
	return nil
}

// DuplicateValue extracts the conflicting value from a PostgreSQL key
// detail such as `Key (email)=(a@b.c) already exists.`.
func DuplicateValue(detail string) (string, bool) {
	if m := duplicateLowered.FindStringSubmatch(detail); m != nil {
		return m[2], true
	}
	if m := duplicateKey.FindStringSubmatch(detail); m != nil {
		return m[2], true
	}
	return "", false
}

// DuplicateMessage is the user facing text for a unique violation.
func DuplicateMessage(value string) string {
	if value == "" {
		return "value is already being used."
	}
	return fmt.Sprintf("%s is already being used.", value)
}

// Classify maps err to a typed execution error carrying cmd. Context
// cancellation and broken connections are recognised for every dialect;
// everything else goes through the dialect's classifier and falls back to
// QueryFailed.
func (d *Dialect) Classify(err error, cmd Command) *core.ExecError {
	if err == nil {
		return nil
	}
	var exec *core.ExecError
	if errors.As(err, &exec) {
		return exec.WithCommand(cmd.Text, cmd.Args)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewExecError(core.ErrQueryTimeout, "statement deadline exceeded", cmd.Text, cmd.Args, err)
	case errors.Is(err, context.Canceled):
		return core.NewExecError(core.ErrInterruption, "statement cancelled", cmd.Text, cmd.Args, err)
	case errors.Is(err, driver.ErrBadConn):
		return core.NewExecError(core.ErrConnectionLost, "", cmd.Text, cmd.Args, err)
	}

	if d != nil && d.Classifier != nil {
		if classified := d.Classifier.Classify(err); classified != nil {
			return classified.WithCommand(cmd.Text, cmd.Args)
		}
	}
	return core.QueryFailed(cmd.Text, cmd.Args, err)
}
