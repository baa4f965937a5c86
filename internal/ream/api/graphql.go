package api

import (
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/reamlang/ream/internal/ream/runtime"
)

const schemaSrc = `
	schema {
		query: Query
	}

	type Query {
		stats: Stats!
	}

	type Stats {
		processes: Int!
		rtUtilization: Float!
	}
`

type statsResolver struct {
	processes     int32
	rtUtilization float64
}

func (r *statsResolver) Processes() int32        { return r.processes }
func (r *statsResolver) RtUtilization() float64  { return r.rtUtilization }

type rootResolver struct {
	rt *runtime.Runtime
}

func (q *rootResolver) Stats() *statsResolver {
	s := q.rt.Stats()
	return &statsResolver{processes: int32(s.Processes), rtUtilization: s.RTUtilization}
}

// GraphQLHandler builds the graph-gophers/graphql-go HTTP handler for
// REAM's read-only introspection API.
func GraphQLHandler(rt *runtime.Runtime) (http.Handler, error) {
	schema, err := graphql.ParseSchema(schemaSrc, &rootResolver{rt: rt})
	if err != nil {
		return nil, err
	}
	return &relay.Handler{Schema: schema}, nil
}
