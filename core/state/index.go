package state

import "encoding/binary"

// denseIndex is a set of fixed-width members stored as a dense array plus a
// position map, giving O(1) append, membership and swap-remove.
//
//	base|len         -> uint64 member count
//	base|at|<i>      -> member at position i
//	base|pos|<m>     -> position of member m
type denseIndex struct {
	tx   *Tx
	base []byte
}

func newDenseIndex(tx *Tx, prefix []byte, owner []byte) denseIndex {
	base := make([]byte, 0, len(prefix)+len(owner)+1)
	base = append(base, prefix...)
	base = append(base, owner...)
	base = append(base, '/')
	return denseIndex{tx: tx, base: base}
}

func (ix denseIndex) lenKey() []byte {
	return append(append([]byte(nil), ix.base...), "len"...)
}

func (ix denseIndex) atKey(i uint64) []byte {
	key := append(append([]byte(nil), ix.base...), "at/"...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return append(key, buf[:]...)
}

func (ix denseIndex) posKey(member []byte) []byte {
	key := append(append([]byte(nil), ix.base...), "pos/"...)
	return append(key, member...)
}

func (ix denseIndex) Len() (uint64, error) {
	return ix.tx.loadUint64(ix.lenKey())
}

func (ix denseIndex) At(i uint64) ([]byte, bool, error) {
	return ix.tx.getRaw(ix.atKey(i))
}

func (ix denseIndex) position(member []byte) (uint64, bool, error) {
	var pos uint64
	ok, err := ix.tx.get(ix.posKey(member), &pos)
	return pos, ok, err
}

func (ix denseIndex) Contains(member []byte) (bool, error) {
	_, ok, err := ix.position(member)
	return ok, err
}

// Append adds member at the end of the array. Existing members are left in
// place so each member appears exactly once.
func (ix denseIndex) Append(member []byte) error {
	if _, ok, err := ix.position(member); err != nil || ok {
		return err
	}
	n, err := ix.Len()
	if err != nil {
		return err
	}
	if err := ix.tx.putRaw(ix.atKey(n), member); err != nil {
		return err
	}
	if err := ix.tx.put(ix.posKey(member), n); err != nil {
		return err
	}
	return ix.tx.put(ix.lenKey(), n+1)
}

// Remove deletes member by moving the last element into its slot. Missing
// members are ignored.
func (ix denseIndex) Remove(member []byte) error {
	pos, ok, err := ix.position(member)
	if err != nil || !ok {
		return err
	}
	n, err := ix.Len()
	if err != nil {
		return err
	}
	last := n - 1
	if pos != last {
		tail, found, err := ix.At(last)
		if err != nil {
			return err
		}
		if found {
			if err := ix.tx.putRaw(ix.atKey(pos), tail); err != nil {
				return err
			}
			if err := ix.tx.put(ix.posKey(tail), pos); err != nil {
				return err
			}
		}
	}
	if err := ix.tx.deleteRaw(ix.atKey(last)); err != nil {
		return err
	}
	if err := ix.tx.deleteRaw(ix.posKey(member)); err != nil {
		return err
	}
	if last == 0 {
		return ix.tx.deleteRaw(ix.lenKey())
	}
	return ix.tx.put(ix.lenKey(), last)
}

// Members returns the members in array order.
func (ix denseIndex) Members() ([][]byte, error) {
	n, err := ix.Len()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		member, ok, err := ix.At(i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, append([]byte(nil), member...))
		}
	}
	return out, nil
}
