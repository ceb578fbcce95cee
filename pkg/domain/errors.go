package domain

import "errors"

// ErrUnserializable is returned when a value falls outside the value model.
var ErrUnserializable = errors.New("value is not serializable")

// ErrDuplicateID is returned when adding an id that is already registered.
var ErrDuplicateID = errors.New("id already registered")

// ErrInstanceRegistered is returned when an instance is already registered under another id.
var ErrInstanceRegistered = errors.New("instance already registered")

// ErrCreationDataRequired is returned when a manager requires creation data and none was given.
var ErrCreationDataRequired = errors.New("creation data required")

// ErrInvalidConfig is returned when a manager is constructed with a missing name or factory.
var ErrInvalidConfig = errors.New("invalid manager config")

// ErrClosed is returned by operations on a closed manager or document.
var ErrClosed = errors.New("closed")
