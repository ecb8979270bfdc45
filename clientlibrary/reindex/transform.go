/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package reindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmware/vmware-go-reindex/clientlibrary/bulk"
)

// transformedGroup is one group of documents handed to a transformer worker. done is closed once
// out and err are final.
type transformedGroup struct {
	in   []*bulk.Document
	out  []*bulk.Document
	err  error
	done chan struct{}
}

// transform applies the transformer to groups of groupSize documents on up to transformWorkers
// goroutines and emits the results in input order.
func (r *DocumentReindexer) transform(ctx context.Context, index string, in <-chan *bulk.Document,
	out chan<- *bulk.Document) error {
	ordered := make(chan *transformedGroup, r.transformWorkers)
	slots := make(chan struct{}, r.transformWorkers)
	dispatchErr := make(chan error, 1)

	var workers sync.WaitGroup
	go func() {
		defer close(ordered)
		defer workers.Wait()

		var group []*bulk.Document
		dispatch := func() bool {
			if len(group) == 0 {
				return true
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return false
			}
			g := &transformedGroup{in: group, done: make(chan struct{})}
			group = nil

			workers.Add(1)
			go func() {
				defer workers.Done()
				defer func() { <-slots }()
				g.out, g.err = r.transformGroup(index, g.in)
				close(g.done)
			}()

			select {
			case ordered <- g:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case d, ok := <-in:
				if !ok {
					dispatch()
					dispatchErr <- nil
					return
				}
				group = append(group, d)
				if len(group) >= r.groupSize && !dispatch() {
					dispatchErr <- ctx.Err()
					return
				}
			case <-ctx.Done():
				dispatchErr <- ctx.Err()
				return
			}
		}
	}()

	for g := range ordered {
		<-g.done
		if g.err != nil {
			return g.err
		}
		for _, d := range g.out {
			select {
			case out <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := <-dispatchErr; err != nil {
		return err
	}
	return ctx.Err()
}

// transformGroup runs the transformer on the map form of group. When the transformer keeps the
// number of documents each output keeps the ordinal at its position; otherwise only the last output
// carries the group's highest ordinal so that no checkpoint claims a partially sent group.
func (r *DocumentReindexer) transformGroup(index string, group []*bulk.Document) ([]*bulk.Document, error) {
	maps := make([]map[string]interface{}, 0, len(group))
	for _, d := range group {
		m, err := d.ToMap()
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}

	transformed, err := r.transformer.Transform(maps)
	if err != nil {
		return nil, fmt.Errorf("unable to transform documents %d to %d: %w",
			group[0].Ordinal, group[len(group)-1].Ordinal, err)
	}

	maxOrdinal := bulk.NewBatch(group).MaxOrdinal
	documents := make([]*bulk.Document, 0, len(transformed))
	for i, m := range transformed {
		ordinal := group[0].Ordinal - 1
		switch {
		case len(transformed) == len(group):
			ordinal = group[i].Ordinal
		case i == len(transformed)-1:
			ordinal = maxOrdinal
		}
		d, err := bulk.FromMap(m, ordinal)
		if err != nil {
			return nil, err
		}
		if d.Index == "" {
			d.Index = index
		}
		documents = append(documents, d)
	}
	return documents, nil
}
