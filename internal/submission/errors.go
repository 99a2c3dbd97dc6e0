package submission

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when a flow needs a connected wallet
	ErrNoSession = errors.New("connect your wallet first")
	// ErrBattleInactive is returned when the battle is missing or not active
	ErrBattleInactive = errors.New("battle is not active")
	// ErrVote is returned when the vote could not be saved
	ErrVote = errors.New("failed to save vote")
	// ErrComment is returned when the comment could not be saved
	ErrComment = errors.New("failed to post comment")
	// ErrUpload is returned when the image could not be uploaded
	ErrUpload = errors.New("failed to upload image")
	// ErrSave is returned when the uploaded meme could not be recorded
	ErrSave = errors.New("failed to save meme")
	// ErrLike is returned when the like could not be saved
	ErrLike = errors.New("failed to save like")
)

// ValidationError is a rejected input, detected before any network call
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UserMessage returns the text shown to the user for an error from this package
func UserMessage(err error) string {
	var validation *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return validation.Message
	case errors.Is(err, ErrNoSession):
		return "Please connect your wallet first."
	case errors.Is(err, ErrBattleInactive):
		return "This battle is not accepting submissions."
	case errors.Is(err, ErrUpload):
		return "Failed to upload image. Please try again."
	case errors.Is(err, ErrSave):
		return "Failed to save meme. Please try again."
	case errors.Is(err, ErrVote):
		return "Failed to record your vote. Please try again."
	case errors.Is(err, ErrComment):
		return "Failed to post comment. Please try again."
	case errors.Is(err, ErrLike):
		return "Failed to like meme. Please try again."
	}
	return "Something went wrong. Please try again."
}
