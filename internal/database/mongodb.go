package database

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/kebairia/posebackup/internal/config"
	"github.com/kebairia/posebackup/internal/logger"
)

// MongoDBOption defines a functional option for configuring a MongoDB instance.
type MongoDBOption func(*MongoDB)

// MongoDB wraps the process-wide mgo session for the image store. Every
// operation borrows a copy of the session and closes it when done, so a
// backup never pins the shared session for the whole run.
type MongoDB struct {
	URI      string
	Database string
	Bucket   string
	Timeout  time.Duration
	Logger   logger.Logger

	session *mgo.Session
}

// NewMongoDB dials the MongoDB server described by cfg plus any overrides.
func NewMongoDB(cfg config.Config, opts ...MongoDBOption) (*MongoDB, error) {
	m := &MongoDB{
		URI:      cfg.MongoDB.URI,
		Database: cfg.MongoDB.Database,
		Bucket:   cfg.MongoDB.Bucket,
		Timeout:  cfg.MongoDB.Timeout,
		Logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.Timeout <= 0 {
		m.Timeout = 10 * time.Second
	}

	session, err := mgo.DialWithTimeout(m.URI, m.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial mongodb: %w", err)
	}
	session.SetMode(mgo.Monotonic, true)
	m.session = session
	return m, nil
}

// WithMongoDatabase overrides the database name taken from the URI.
func WithMongoDatabase(database string) MongoDBOption {
	return func(m *MongoDB) {
		if database != "" {
			m.Database = database
		}
	}
}

// WithMongoBucket overrides the GridFS bucket prefix.
func WithMongoBucket(bucket string) MongoDBOption {
	return func(m *MongoDB) {
		if bucket != "" {
			m.Bucket = bucket
		}
	}
}

// WithMongoLogger overrides the logger.
func WithMongoLogger(log logger.Logger) MongoDBOption {
	return func(m *MongoDB) {
		if log != nil {
			m.Logger = log
		}
	}
}

// gridFile is the subset of a GridFS files document the backup needs.
type gridFile struct {
	ID          interface{} `bson:"_id"`
	Filename    string      `bson:"filename"`
	Length      int64       `bson:"length"`
	ContentType string      `bson:"contentType,omitempty"`
}

// ListBlobs enumerates every file in the GridFS bucket, oldest first.
func (m *MongoDB) ListBlobs(ctx context.Context) ([]BlobInfo, error) {
	s := m.session.Copy()
	defer s.Close()

	gfs := s.DB(m.Database).GridFS(m.Bucket)
	iter := gfs.Find(nil).Sort("uploadDate", "_id").Iter()

	var (
		blobs []BlobInfo
		f     gridFile
	)
	for iter.Next(&f) {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return nil, err
		}
		blobs = append(blobs, BlobInfo{
			ID:          idString(f.ID),
			Filename:    f.Filename,
			Length:      f.Length,
			ContentType: f.ContentType,
		})
		f = gridFile{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list gridfs bucket %q: %w", m.Bucket, err)
	}
	return blobs, nil
}

// OpenBlob opens a download stream for the blob with the given id. The
// returned reader holds a session copy until it is closed.
func (m *MongoDB) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.session.Copy()
	gfs := s.DB(m.Database).GridFS(m.Bucket)

	var key interface{} = id
	if bson.IsObjectIdHex(id) {
		key = bson.ObjectIdHex(id)
	}
	file, err := gfs.OpenId(key)
	if err != nil {
		s.Close()
		if err == mgo.ErrNotFound {
			return nil, fmt.Errorf("%w: gridfs %s/%s", ErrNotFound, m.Bucket, id)
		}
		return nil, fmt.Errorf("open gridfs file %s: %w", id, err)
	}
	return &blobReader{file: file, session: s}, nil
}

type blobReader struct {
	file    *mgo.GridFile
	session *mgo.Session
}

func (b *blobReader) Read(p []byte) (int, error) { return b.file.Read(p) }

func (b *blobReader) Close() error {
	err := b.file.Close()
	b.session.Close()
	return err
}

// EachDocument calls fn for every document of collection in _id order,
// reading through a cursor so memory stays bounded by one document.
func (m *MongoDB) EachDocument(ctx context.Context, collection string, fn func(doc any) error) error {
	s := m.session.Copy()
	defer s.Close()

	iter := s.DB(m.Database).C(collection).Find(nil).Sort("_id").Iter()
	for {
		var doc bson.D
		if !iter.Next(&doc) {
			break
		}
		if err := ctx.Err(); err != nil {
			iter.Close()
			return err
		}
		if err := fn(documentJSON(doc)); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("read collection %q: %w", collection, err)
	}
	return nil
}

// Ping checks that the server answers.
func (m *MongoDB) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.session.Copy()
	defer s.Close()
	if err := s.Ping(); err != nil {
		return fmt.Errorf("mongodb ping: %w", err)
	}
	return nil
}

// Close ends the shared session.
func (m *MongoDB) Close() error {
	if m.session != nil {
		m.session.Close()
	}
	return nil
}

// GetName returns the database name.
func (m *MongoDB) GetName() string { return m.Database }

// GetEngine returns engine name.
func (m *MongoDB) GetEngine() string { return EngineMongoDB }

func idString(id interface{}) string {
	switch v := id.(type) {
	case bson.ObjectId:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
