// Package state provides filesystem-backed storage for conversations and
// their transcripts.
package state
