package ports

type StoragePort interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Exists(key string) (bool, error)

	BatchWrite(ops []WriteOp) error

	// ListByPrefix returns matching entries in ascending key order.
	ListByPrefix(prefix string) ([]KeyValue, error)
	CountPrefix(prefix string) (count int, err error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	Close() error
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

type WriteOp struct {
	Type  OpType
	Key   string
	Value []byte
}

type KeyValue struct {
	Key   string
	Value []byte
}
