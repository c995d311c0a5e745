// Package internal holds cross-cutting helpers shared by authvault
// subpackages: refresh-secret generation, one-way secret hashing, and
// cache-key construction. Nothing here is part of the public API.
package internal
