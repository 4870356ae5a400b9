/*
Package memory provides the byte block sources that back write segments.

Two sources are provided:

  - SlabPool hands out fixed-size blocks (4KB by default) and is the pool
    writers prefer for ordinary writes.
  - ArrayPool is a general allocator with power-of-two size classes, used
    when a write asks for more than the slab pool's block size.

Both are safe for concurrent use and are meant to be shared by every writer
in the process. A Block must not be touched after Release: the bytes may
already belong to another writer.

	pool := memory.NewSlabPool(memory.DefaultBlockSize)
	block := pool.Rent(512)
	n := copy(block.Bytes(), payload)
	_ = n
	block.Release()
*/
package memory
