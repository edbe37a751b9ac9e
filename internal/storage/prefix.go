package storage

// Separator ends every namespace name created by Sub.
const Separator = '/'

// PrefixDB is a namespace inside another DB. Keys are stored under a fixed
// prefix and handed back by ForEach with that prefix removed.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns the namespace of inner rooted at prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: concat(nil, prefix)}
}

// Sub returns the namespace name nested in p, terminated by Separator.
// Wallet state uses one Sub per wallet address.
func (p *PrefixDB) Sub(name string) *PrefixDB {
	prefix := concat(p.prefix, []byte(name))
	return &PrefixDB{inner: p.inner, prefix: append(prefix, Separator)}
}

// Prefix returns the full prefix of the namespace in the inner DB.
func (p *PrefixDB) Prefix() []byte {
	return concat(nil, p.prefix)
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b)+1)
	return append(append(out, a...), b...)
}

func (p *PrefixDB) key(k []byte) []byte { return concat(p.prefix, k) }

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach visits the keys of the namespace starting with prefix.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// Keys returns the keys of the namespace starting with prefix.
func (p *PrefixDB) Keys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := p.ForEach(prefix, func(key, _ []byte) error {
		keys = append(keys, concat(nil, key))
		return nil
	})
	return keys, err
}

// DeleteAll empties the namespace in a single batch.
func (p *PrefixDB) DeleteAll() error {
	keys, err := p.Keys(nil)
	if err != nil || len(keys) == 0 {
		return err
	}
	b := p.NewBatch()
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return b.Commit()
}

// Close leaves the inner DB open.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns a batch scoped to the namespace. It is atomic only when
// the inner DB supports batches.
func (p *PrefixDB) NewBatch() Batch {
	if b, ok := p.inner.(Batcher); ok {
		return &prefixBatch{ns: p, inner: b.NewBatch()}
	}
	return &bufferedBatch{ns: p}
}

type prefixBatch struct {
	ns    *PrefixDB
	inner Batch
}

func (b *prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.ns.key(key), value) }

func (b *prefixBatch) Delete(key []byte) error { return b.inner.Delete(b.ns.key(key)) }

func (b *prefixBatch) Commit() error { return b.inner.Commit() }

// write is a buffered batch operation. A nil value deletes the key.
type write struct {
	key, value []byte
}

// bufferedBatch replays its writes one at a time on Commit.
type bufferedBatch struct {
	ns     *PrefixDB
	writes []write
}

func (b *bufferedBatch) Put(key, value []byte) error {
	b.writes = append(b.writes, write{key: concat(nil, key), value: concat(nil, value)})
	return nil
}

func (b *bufferedBatch) Delete(key []byte) error {
	b.writes = append(b.writes, write{key: concat(nil, key)})
	return nil
}

func (b *bufferedBatch) Commit() error {
	writes := b.writes
	b.writes = nil
	for _, w := range writes {
		var err error
		if w.value == nil {
			err = b.ns.Delete(w.key)
		} else {
			err = b.ns.Put(w.key, w.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
