package semantic

import (
	"time"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/WessleyAI/groundwork/engine/domain"
)

func str(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func integer(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func toPoint(c domain.Chunk, now time.Time) *pb.PointStruct {
	at := c.IngestedAt
	if at.IsZero() {
		at = now
	}
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: c.Embedding},
			},
		},
		Payload: map[string]*pb.Value{
			"doc_id":      str(c.DocID),
			"chunk_index": integer(int64(c.Index)),
			"title":       str(c.Title),
			"content":     str(c.Content),
			"url":         str(c.URL),
			"source_type": str(c.SourceType),
			"ingested_at": integer(at.UnixMilli()),
		},
	}
}

func fromScored(r *pb.ScoredPoint) domain.Match {
	p := r.GetPayload()
	m := domain.Match{
		Chunk: domain.Chunk{
			ID:         r.GetId().GetUuid(),
			DocID:      p["doc_id"].GetStringValue(),
			Index:      int(p["chunk_index"].GetIntegerValue()),
			Title:      p["title"].GetStringValue(),
			Content:    p["content"].GetStringValue(),
			URL:        p["url"].GetStringValue(),
			SourceType: p["source_type"].GetStringValue(),
		},
		Similarity: r.GetScore(),
	}
	if ms := p["ingested_at"].GetIntegerValue(); ms > 0 {
		m.IngestedAt = time.UnixMilli(ms)
	}
	return m
}
