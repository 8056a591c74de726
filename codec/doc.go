// Package codec implements the self describing binary encoding of values in a
// turtle log.
//
// Every value is written as [payload][footer]. The single footer byte selects
// one codec version from a fixed, ordered registry, and that version alone
// determines how wide the payload is. A value is addressed by the position of
// its footer, so a reader positioned at an address can always walk backwards
// to the start of the value.
//
// Composite values never embed their parts. Each part is upserted first and
// referenced by address, which lets a deduplicating Upserter store identical
// parts once. Variable length sequences reference their elements through a
// left biased binary tree so that extending a sequence only writes the new
// right spine.
package codec
