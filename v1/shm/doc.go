// Package shm maps a small named block of memory shared by every process on
// a host and builds a non-blocking mutex over it.
//
// The block is backed by a file so unrelated processes can map the same
// pages; the first word holds the id of the current holder and the second a
// generation counter bumped on every successful acquisition.
package shm
