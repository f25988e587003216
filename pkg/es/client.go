// Package es 提供了与 Elasticsearch 交互的客户端功能，维护研究检索索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// NewClient 创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// StudyDocument 是写入索引的研究摘要。
type StudyDocument struct {
	StudyID         string     `json:"study_id"`
	SubmissionID    string     `json:"submission_id"`
	Accession       string     `json:"accession,omitempty"`
	Status          string     `json:"status"`
	RevisionNumber  int        `json:"revision_number"`
	RevisionDate    *time.Time `json:"revision_date,omitempty"`
	FirstPublicDate *time.Time `json:"first_public_date,omitempty"`
	ReleaseDate     *time.Time `json:"release_date,omitempty"`
	StudyCategory   string     `json:"study_category,omitempty"`
	DatasetLicense  string     `json:"dataset_license,omitempty"`
	SizeBytes       int64      `json:"size_bytes"`
	IndexedAt       time.Time  `json:"indexed_at"`
}

// StudyIndex 封装对研究索引的增删查。
type StudyIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewStudyIndex 创建一个新的 StudyIndex。
func NewStudyIndex(client *elasticsearch.Client, indexName string) *StudyIndex {
	return &StudyIndex{client: client, index: indexName}
}

const studyMapping = `{
	"mappings": {
		"properties": {
			"study_id": { "type": "keyword" },
			"submission_id": { "type": "keyword" },
			"accession": { "type": "keyword" },
			"status": { "type": "keyword" },
			"revision_number": { "type": "integer" },
			"revision_date": { "type": "date" },
			"first_public_date": { "type": "date" },
			"release_date": { "type": "date" },
			"study_category": { "type": "keyword" },
			"dataset_license": { "type": "keyword" },
			"size_bytes": { "type": "long" },
			"indexed_at": { "type": "date" }
		}
	}
}`

// EnsureIndex 检查索引是否存在，如果不存在则创建它。
func (s *StudyIndex) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return apperr.External.Wrap(err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return apperr.External.New("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(studyMapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return apperr.External.Wrap(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperr.External.New("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.index, res.String())
	}
	log.Infof("索引 '%s' 创建成功", s.index)
	return nil
}

// IndexStudy 写入或覆盖一个研究文档。
func (s *StudyIndex) IndexStudy(ctx context.Context, doc StudyDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: doc.StudyID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return apperr.External.Wrap(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("索引研究 %s 到 Elasticsearch 出错: %s", doc.StudyID, res.String())
		return apperr.External.New("failed to index study %s", doc.StudyID)
	}
	return nil
}

// DeleteStudy 删除一个研究文档；文档不存在视为成功。
func (s *StudyIndex) DeleteStudy(ctx context.Context, studyID string) error {
	req := esapi.DeleteRequest{Index: s.index, DocumentID: studyID, Refresh: "true"}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return apperr.External.Wrap(err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return apperr.External.New("failed to delete study %s from index: %s", studyID, res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID   string        `json:"_id"`
			Sort []interface{} `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// ListStudyIDs 以 search_after 分页列出索引中的全部研究 ID。
func (s *StudyIndex) ListStudyIDs(ctx context.Context) ([]string, error) {
	const pageSize = 1000
	var (
		ids   []string
		after []interface{}
	)
	for {
		query := map[string]interface{}{
			"size":    pageSize,
			"_source": false,
			"query":   map[string]interface{}{"match_all": map[string]interface{}{}},
			"sort":    []interface{}{map[string]string{"study_id": "asc"}},
		}
		if after != nil {
			query["search_after"] = after
		}
		body, _ := json.Marshal(query)
		res, err := s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.index),
			s.client.Search.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return nil, apperr.External.Wrap(err)
		}
		var parsed searchResponse
		decodeErr := func() error {
			defer res.Body.Close()
			if res.IsError() {
				return fmt.Errorf("search returned %s", res.Status())
			}
			return json.NewDecoder(res.Body).Decode(&parsed)
		}()
		if decodeErr != nil {
			return nil, apperr.External.Wrap(decodeErr)
		}

		for _, hit := range parsed.Hits.Hits {
			ids = append(ids, hit.ID)
		}
		if len(parsed.Hits.Hits) < pageSize {
			return ids, nil
		}
		after = parsed.Hits.Hits[len(parsed.Hits.Hits)-1].Sort
	}
}
