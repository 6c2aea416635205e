// Package store defines the persistence contracts the server core consumes
// (users, messages) and ships in-memory implementations of both.
//
// The core never depends on a concrete backend: the TCP handler and the HTTP
// API take UserRepository and MessageRepository interfaces, so a relational
// store can be plugged in without touching the messaging path.
package store
