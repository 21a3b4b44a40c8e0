// Package relay owns the tunnel's UDP socket and forwards datagrams between
// slots.
//
// Every datagram starts with a 4-byte header naming the source and
// destination slot. The relay only forwards between slots of the same
// session, and only to destinations that have already announced their
// address by sending a datagram of their own.
package relay
