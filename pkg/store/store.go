package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"finesse/pkg/hwset"
)

const (
	bucket         = "finesse"
	hwsetBucket    = "hardware_sets"
	mqttConfigKey  = "mqtt_config"
	defaultTimeout = time.Second
)

// MQTTConfig holds the broker settings used by MQTT-bridged devices.
type MQTTConfig struct {
	Host      string `json:"host"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
}

var DefaultMQTTConfig = MQTTConfig{
	Host:      "tcp://localhost:1883",
	TopicRoot: "st10",
}

type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	st, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an open database and sets default values if they are not
// already set.
func New(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) setDefaults() error {
	if _, err := s.GetMQTTConfig(); err != nil {
		log.Infof("Setting default MQTT config")
		if err := s.SetMQTTConfig(DefaultMQTTConfig); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(hwsetBucket))
		return err
	})
}

// SetMQTTConfig saves the MQTT configuration as a json string in the database.
func (s *Store) SetMQTTConfig(cfg MQTTConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(mqttConfigKey), value)
	})
}

// GetMQTTConfig retrieves the MQTT configuration from the database.
func (s *Store) GetMQTTConfig() (MQTTConfig, error) {
	var cfg MQTTConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(mqttConfigKey))
		if value == nil {
			return fmt.Errorf("key %s not found", mqttConfigKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

// SaveHardwareSet stores doc under its name, replacing any set with the
// same name.
func (s *Store) SaveHardwareSet(doc hwset.Document) error {
	if doc.Name == "" {
		return hwset.ErrNoName
	}
	if doc.Version == 0 {
		doc.Version = hwset.SchemaVersion
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(hwsetBucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.Name), value)
	})
}

// DeleteHardwareSet removes a saved set. Deleting a missing set is not an
// error.
func (s *Store) DeleteHardwareSet(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(hwsetBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

// HardwareSets returns every saved set sorted by name.
func (s *Store) HardwareSets() ([]hwset.Document, error) {
	var docs []hwset.Document

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(hwsetBucket))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var doc hwset.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("hardware set %q: %v", k, err)
			}
			docs = append(docs, doc)
			return nil
		})
	})

	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, err
}
