// Package catalogtest is an in-memory fake of catalog.Gateway for tests.
package catalogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"go.alertstream.build/ingest/go/catalog"
)

type Fake struct {
	collections map[string][]map[string]interface{}
}

func New() *Fake {
	return &Fake{collections: map[string][]map[string]interface{}{}}
}

func toMap(doc interface{}) map[string]interface{} {
	b, _ := json.Marshal(doc)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func (f *Fake) Exists(ctx context.Context, collection string, key string, value interface{}) (bool, error) {
	for _, d := range f.collections[collection] {
		if fmt.Sprint(d[key]) == fmt.Sprint(value) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) Insert(ctx context.Context, collection string, doc interface{}) error {
	f.collections[collection] = append(f.collections[collection], toMap(doc))
	return nil
}

func (f *Fake) InsertMany(ctx context.Context, collection string, docs []interface{}) error {
	for _, d := range docs {
		f.collections[collection] = append(f.collections[collection], toMap(d))
	}
	return nil
}

func (f *Fake) UpsertAppendToSet(ctx context.Context, collection string, keyField string, keyValue interface{}, setField string, items []interface{}) error {
	for _, d := range f.collections[collection] {
		if fmt.Sprint(d[keyField]) == fmt.Sprint(keyValue) {
			existing, _ := d[setField].([]interface{})
			seen := map[string]bool{}
			for _, e := range existing {
				if em, ok := e.(map[string]interface{}); ok {
					seen[fmt.Sprint(em["candid"])] = true
				}
			}
			for _, item := range items {
				im := toMap(item)
				key := fmt.Sprint(im["candid"])
				if !seen[key] {
					existing = append(existing, im)
					seen[key] = true
				}
			}
			d[setField] = existing
			return nil
		}
	}
	m := map[string]interface{}{keyField: keyValue}
	var its []interface{}
	for _, item := range items {
		its = append(its, toMap(item))
	}
	m[setField] = its
	f.collections[collection] = append(f.collections[collection], m)
	return nil
}

func (f *Fake) Find(ctx context.Context, collection string, query bson.M, projection bson.M, out interface{}) error {
	for _, d := range f.collections[collection] {
		if matches(d, query) {
			b, _ := json.Marshal(d)
			return json.Unmarshal(b, out)
		}
	}
	return fmt.Errorf("not found")
}

func (f *Fake) Aggregate(ctx context.Context, collection string, pipeline []bson.M, timeBudget time.Duration, allowDiskUse bool, out interface{}) error {
	docs := f.collections[collection]
	var filtered []map[string]interface{}
	for _, d := range docs {
		keep := true
		for _, stage := range pipeline {
			if match, ok := stage["$match"].(bson.M); ok {
				if !matches(d, match) {
					keep = false
					break
				}
			}
		}
		if keep {
			filtered = append(filtered, d)
		}
	}
	b, _ := json.Marshal(filtered)
	return json.Unmarshal(b, out)
}

func (f *Fake) EnsureIndexes(ctx context.Context, collection string, indexes []catalog.IndexSpec) error {
	return nil
}

func matches(d map[string]interface{}, query bson.M) bool {
	for k, v := range query {
		if fmt.Sprint(d[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

var _ catalog.Gateway = (*Fake)(nil)
