package database

import (
	"context"
	"errors"
)

var (
	ErrTimeout    = errors.New("operation timed out")
	ErrDumpFailed = errors.New("dump failed")
	ErrNotFound   = errors.New("object not found")
)

// Engine names, used in logs and export outcomes.
const (
	EngineMySQL   = "mysql"
	EngineMongoDB = "mongodb"
)

// BlobInfo identifies one stored binary object.
type BlobInfo struct {
	ID          string
	Filename    string
	Length      int64
	ContentType string
}

// Database is the part both store handles share.
type Database interface {
	GetName() string
	GetEngine() string
	Ping(ctx context.Context) error
	Close() error
}
