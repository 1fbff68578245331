// Package mocks provides test doubles for ports interfaces.
//
// Store is a thread-safe in-memory implementation of every repository
// interface, mirroring the production storage type which also implements them
// all on one struct. Client mocks expose xxxFn callbacks for customizing
// behavior per test.
//
// # Usage Example
//
//	func TestScheduler(t *testing.T) {
//		store := mocks.NewStore()
//		store.AddVideo(&domain.Video{ID: "v1", Status: domain.VideoStatusDiscovered})
//
//		// ... run scheduler against store
//	}
package mocks
