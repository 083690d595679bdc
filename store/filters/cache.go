package filters

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rcowham/gitsvnbridge/store"
)

// classificationSchemaVersion is embedded in the bucket name so a future
// on-disk layout change can coexist with data written by an older
// server.
const classificationSchemaVersion = "v1"

// Classifier wraps DetectMimeType with a durable cache keyed by
// (filter name, blob id), so a view resolving the same blob
// across many revisions only ever sniffs its content once.
type Classifier struct {
	db     *bolt.DB
	bucket []byte

	mu    sync.RWMutex
	cache map[store.ObjectID]string
}

// OpenClassifierStore opens (creating if absent) the bbolt database
// backing every filter's classification cache. One database holds a
// bucket per filter name; callers share a single *bolt.DB across the
// filters in use and pass it to NewClassifier.
func OpenClassifierStore(dbPath string) (*bolt.DB, error) {
	return bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
}

// NewClassifier loads (or creates) filterName's bucket within an
// already-open classification-cache database.
func NewClassifier(db *bolt.DB, filterName string) (*Classifier, error) {
	bucket := []byte(fmt.Sprintf("mimecache.%s.%s", filterName, classificationSchemaVersion))
	c := &Classifier{db: db, bucket: bucket, cache: map[store.ObjectID]string{}}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			id, err := store.ParseObjectID(string(k))
			if err != nil {
				return err
			}
			c.cache[id] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Classify returns blobID's svn:mime-type classification ("" for text),
// reading it from the durable cache on a hit. On a miss it calls
// fetchHead to obtain the content to sniff, classifies it with
// DetectMimeType, and persists the result before returning.
func (c *Classifier) Classify(blobID store.ObjectID, fetchHead func() ([]byte, error)) (string, error) {
	c.mu.RLock()
	if v, ok := c.cache[blobID]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	head, err := fetchHead()
	if err != nil {
		return "", err
	}
	mime := DetectMimeType(head)

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[blobID]; ok {
		return v, nil
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucket).Put([]byte(blobID.String()), []byte(mime))
	}); err != nil {
		return "", err
	}
	c.cache[blobID] = mime
	return mime, nil
}
