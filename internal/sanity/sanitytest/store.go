// Package sanitytest provides an in-memory sanity.Store for service tests.
package sanitytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
)

// RecordedQuery is a query observed by Store.
type RecordedQuery struct {
	Query  string
	Params map[string]any
}

type response struct {
	result any
	err    error
}

// Store answers GROQ queries with canned results keyed by the exact query
// text and records every mutation it receives.
type Store struct {
	mu        sync.Mutex
	responses map[string][]response
	last      map[string]response
	queries   []RecordedQuery
	mutations []sanity.Mutation
	MutateErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{responses: make(map[string][]response), last: make(map[string]response)}
}

// OnQuery queues result for the next call with query. The last queued
// response is reused once the queue drains.
func (s *Store) OnQuery(query string, result any) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[query] = append(s.responses[query], response{result: result})
	return s
}

// FailQuery makes the next call with query return err.
func (s *Store) FailQuery(query string, err error) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[query] = append(s.responses[query], response{err: err})
	return s
}

func (s *Store) Query(_ context.Context, query string, params map[string]any, out any) error {
	s.mu.Lock()
	s.queries = append(s.queries, RecordedQuery{Query: query, Params: params})
	var next response
	if queued := s.responses[query]; len(queued) > 0 {
		next = queued[0]
		s.responses[query] = queued[1:]
		s.last[query] = next
	} else if last, ok := s.last[query]; ok {
		next = last
	} else {
		s.mu.Unlock()
		return fmt.Errorf("sanitytest: no response registered for query %q", query)
	}
	s.mu.Unlock()

	if next.err != nil {
		return next.err
	}
	raw, err := json.Marshal(next.result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) Mutate(_ context.Context, mutations ...sanity.Mutation) (sanity.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MutateErr != nil {
		return sanity.MutationResult{}, s.MutateErr
	}
	s.mutations = append(s.mutations, mutations...)
	result := sanity.MutationResult{TransactionID: fmt.Sprintf("tx-%d", len(s.mutations))}
	for _, mutation := range mutations {
		result.Results = append(result.Results, struct {
			ID        string `json:"id"`
			Operation string `json:"operation"`
		}{ID: documentID(mutation), Operation: operation(mutation)})
	}
	return result, nil
}

// Queries returns the queries observed so far.
func (s *Store) Queries() []RecordedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedQuery(nil), s.queries...)
}

// Mutations returns the mutations observed so far.
func (s *Store) Mutations() []sanity.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sanity.Mutation(nil), s.mutations...)
}

// Patches returns the observed patches against documentID.
func (s *Store) Patches(documentID string) []*sanity.Patch {
	var patches []*sanity.Patch
	for _, mutation := range s.Mutations() {
		if mutation.Patch != nil && mutation.Patch.ID == documentID {
			patches = append(patches, mutation.Patch)
		}
	}
	return patches
}

// Created returns documents sent through any create mutation.
func (s *Store) Created() []sanity.Document {
	var documents []sanity.Document
	for _, mutation := range s.Mutations() {
		switch {
		case mutation.Create != nil:
			documents = append(documents, mutation.Create)
		case mutation.CreateIfNotExists != nil:
			documents = append(documents, mutation.CreateIfNotExists)
		case mutation.CreateOrReplace != nil:
			documents = append(documents, mutation.CreateOrReplace)
		}
	}
	return documents
}

// Deleted returns ids of deleted documents.
func (s *Store) Deleted() []string {
	var ids []string
	for _, mutation := range s.Mutations() {
		if mutation.Delete != nil {
			ids = append(ids, mutation.Delete.ID)
		}
	}
	return ids
}

func documentID(mutation sanity.Mutation) string {
	switch {
	case mutation.Patch != nil:
		return mutation.Patch.ID
	case mutation.Delete != nil:
		return mutation.Delete.ID
	}
	for _, document := range []sanity.Document{mutation.Create, mutation.CreateIfNotExists, mutation.CreateOrReplace} {
		if id, ok := document["_id"].(string); ok {
			return id
		}
	}
	return ""
}

func operation(mutation sanity.Mutation) string {
	switch {
	case mutation.Patch != nil:
		return "update"
	case mutation.Delete != nil:
		return "delete"
	default:
		return "create"
	}
}

var _ sanity.Store = (*Store)(nil)
