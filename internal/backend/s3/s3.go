// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements backend.Backend using AWS api v1, adapted from
// the object-store driver of the daemon this module is descended from.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/lsvd/internal/backend"
)

// S3 implements backend.Backend using AWS S3 as the object store. HTTP
// connection parameters are tuned the same way the teacher's driver tunes
// them: keepalive, idle pooling and http/2 for throughput to AWS.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

// Options configures New. Named fields avoid ordering mistakes given how
// many of them there are.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

func newHTTPClientWithSettings(s httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: s.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: s.connKeepAlive,
			DualStack: true,
			Timeout:   s.connect,
		}).DialContext,
		MaxIdleConns:          s.maxAllIdleConns,
		IdleConnTimeout:       s.idleConn,
		TLSHandshakeTimeout:   s.tlsHandshake,
		MaxIdleConnsPerHost:   s.maxHostIdleConns,
		ExpectContinueTimeout: s.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{Transport: tr}
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Objects here are small (a few MiB at most) so multipart
	// upload/download concurrency buys nothing but rate-limit risk.
	s.uploader.Concurrency = 1
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()
	return s, err
}

func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		}
	}
	return err
}

func (s *S3) WriteObject(name string, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(buf),
	})
	return err
}

func (s *S3) ReadObject(name string, buf []byte, offset int64) (int, error) {
	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	w := aws.NewWriteAtBuffer(buf)

	n, err := s.downloader.Download(w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Range:  &rng,
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *S3) DeleteObject(name string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	return err
}

func (s *S3) WriteNumberedObject(prefix string, seq uint64, buf []byte) error {
	return s.WriteObject(backend.ObjectName(prefix, seq), buf)
}

func (s *S3) ReadNumberedObject(prefix string, seq uint64, buf []byte, offset int64) (int, error) {
	return s.ReadObject(backend.ObjectName(prefix, seq), buf, offset)
}

// DeleteFromSeq lists the bucket under prefix and deletes every numbered
// object at or above fromSeq. Used to clear a torn tail after recovery
// finds a break in prefix consistency (spec.md §4.1 "init").
func (s *S3) DeleteFromSeq(prefix string, fromSeq uint64) error {
	listPrefix := prefix + "."
	return s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			var seq uint64
			if _, err := fmt.Sscanf((*o.Key)[len(listPrefix):], "%08x", &seq); err != nil {
				continue
			}
			if seq >= fromSeq {
				_ = s.DeleteObject(*o.Key)
			}
		}
		return true
	})
}

var _ backend.Backend = (*S3)(nil)
