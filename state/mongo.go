package state

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/agentfabric/mesh/messaging"
)

const (
	defaultAgentCollection  = "agent_state"
	defaultClientCollection = "client_state"
	defaultTimeout          = 5 * time.Second
)

// MongoOptions configures MongoStore.
type MongoOptions struct {
	Client           *mongodriver.Client
	Database         string
	AgentCollection  string
	ClientCollection string
	Timeout          time.Duration
}

// MongoStore implements Store on top of MongoDB, storing each entity's state
// as a single document keyed by its handle, replaced wholesale on every
// write (per the total-replacement contract in §4.2).
type MongoStore struct {
	mongo   *mongodriver.Client
	agents  *mongodriver.Collection
	clients *mongodriver.Collection
	timeout time.Duration
}

// NewMongoStore builds a MongoStore, ensuring the collections exist with a
// unique index on the handle field.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	agentColl := opts.AgentCollection
	if agentColl == "" {
		agentColl = defaultAgentCollection
	}
	clientColl := opts.ClientCollection
	if clientColl == "" {
		clientColl = defaultClientCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &MongoStore{
		mongo:   opts.Client,
		agents:  db.Collection(agentColl),
		clients: db.Collection(clientColl),
		timeout: timeout,
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureHandleIndex(ictx, s.agents); err != nil {
		return nil, err
	}
	if err := ensureHandleIndex(ictx, s.clients); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies this client for health-check registration.
func (s *MongoStore) Name() string { return "state-mongo" }

// Ping verifies connectivity to the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

func ensureHandleIndex(ctx context.Context, coll *mongodriver.Collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "handle", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type agentDocument struct {
	Handle        string                 `bson:"handle"`
	Configuration *agentConfigDocument   `bson:"configuration,omitempty"`
	Threads       map[string][]threadMsg `bson:"threads,omitempty"`
	CustomState   map[string]string      `bson:"custom_state,omitempty"`
	LastModified  time.Time              `bson:"last_modified"`
}

type agentConfigDocument struct {
	AgentType        string            `bson:"agent_type"`
	Handle           string            `bson:"handle"`
	SystemPrompt     string            `bson:"system_prompt,omitempty"`
	Streams          []string          `bson:"streams,omitempty"`
	Plugins          []string          `bson:"plugins,omitempty"`
	Tools            []string          `bson:"tools,omitempty"`
	Models           []string          `bson:"models,omitempty"`
	Args             map[string]string `bson:"args,omitempty"`
	ForceReconfigure bool              `bson:"force_reconfigure,omitempty"`
}

type threadMsg struct {
	Role         string    `bson:"role"`
	AuthorName   string    `bson:"author_name,omitempty"`
	Timestamp    time.Time `bson:"timestamp"`
	ContentsJSON string    `bson:"contents_json"`
}

type clientDocument struct {
	Handle                   string                      `bson:"handle"`
	TrackedAgents            map[string]trackedAgentDoc  `bson:"tracked_agents,omitempty"`
	PendingMessages          []agentMessageDoc           `bson:"pending_messages,omitempty"`
	PendingMessagesPersisted time.Time                   `bson:"pending_messages_persisted,omitempty"`
	LastModified             time.Time                   `bson:"last_modified"`
}

type trackedAgentDoc struct {
	Handle    string `bson:"handle"`
	AgentType string `bson:"agent_type"`
}

type agentMessageDoc struct {
	FromHandle  string            `bson:"from_handle,omitempty"`
	ToHandle    string            `bson:"to_handle,omitempty"`
	Message     string            `bson:"message,omitempty"`
	MessageType string            `bson:"message_type,omitempty"`
	Kind        string            `bson:"kind,omitempty"`
	Channel     string            `bson:"channel,omitempty"`
	Args        map[string]string `bson:"args,omitempty"`
}

func (s *MongoStore) ReadAgent(ctx context.Context, key string) (AgentGrainState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc agentDocument
	err := s.agents.FindOne(ctx, bson.M{"handle": key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return AgentGrainState{MessageThreads: map[string][]StoredChatMessage{}, CustomState: map[string]string{}}, nil
	}
	if err != nil {
		return AgentGrainState{}, err
	}
	return fromAgentDocument(doc), nil
}

func (s *MongoStore) WriteAgent(ctx context.Context, key string, st AgentGrainState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toAgentDocument(key, st)
	_, err := s.agents.ReplaceOne(ctx, bson.M{"handle": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ReadClient(ctx context.Context, key string) (ClientGrainState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc clientDocument
	err := s.clients.FindOne(ctx, bson.M{"handle": key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return ClientGrainState{TrackedAgents: map[string]TrackedAgent{}}, nil
	}
	if err != nil {
		return ClientGrainState{}, err
	}
	return fromClientDocument(doc), nil
}

func (s *MongoStore) WriteClient(ctx context.Context, key string, st ClientGrainState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toClientDocument(key, st)
	_, err := s.clients.ReplaceOne(ctx, bson.M{"handle": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func toAgentDocument(key string, st AgentGrainState) agentDocument {
	doc := agentDocument{
		Handle:       key,
		CustomState:  st.CustomState,
		LastModified: st.LastModified,
	}
	if st.Configuration != nil {
		doc.Configuration = &agentConfigDocument{
			AgentType:        st.Configuration.AgentType,
			Handle:           st.Configuration.Handle,
			SystemPrompt:     st.Configuration.SystemPrompt,
			Streams:          st.Configuration.Streams,
			Plugins:          st.Configuration.Plugins,
			Tools:            st.Configuration.Tools,
			Models:           st.Configuration.Models,
			Args:             st.Configuration.Args,
			ForceReconfigure: st.Configuration.ForceReconfigure,
		}
	}
	if len(st.MessageThreads) > 0 {
		doc.Threads = make(map[string][]threadMsg, len(st.MessageThreads))
		for thread, msgs := range st.MessageThreads {
			out := make([]threadMsg, len(msgs))
			for i, m := range msgs {
				out[i] = threadMsg{Role: m.Role, AuthorName: m.AuthorName, Timestamp: m.Timestamp, ContentsJSON: m.ContentsJSON}
			}
			doc.Threads[thread] = out
		}
	}
	return doc
}

func fromAgentDocument(doc agentDocument) AgentGrainState {
	st := AgentGrainState{
		CustomState:    doc.CustomState,
		MessageThreads: make(map[string][]StoredChatMessage, len(doc.Threads)),
		LastModified:   doc.LastModified,
	}
	if st.CustomState == nil {
		st.CustomState = map[string]string{}
	}
	for thread, msgs := range doc.Threads {
		out := make([]StoredChatMessage, len(msgs))
		for i, m := range msgs {
			out[i] = StoredChatMessage{Role: m.Role, AuthorName: m.AuthorName, Timestamp: m.Timestamp, ContentsJSON: m.ContentsJSON}
		}
		st.MessageThreads[thread] = out
	}
	if doc.Configuration != nil {
		st.Configuration = &messaging.AgentConfiguration{
			AgentType:        doc.Configuration.AgentType,
			Handle:           doc.Configuration.Handle,
			SystemPrompt:     doc.Configuration.SystemPrompt,
			Streams:          doc.Configuration.Streams,
			Plugins:          doc.Configuration.Plugins,
			Tools:            doc.Configuration.Tools,
			Models:           doc.Configuration.Models,
			Args:             doc.Configuration.Args,
			ForceReconfigure: doc.Configuration.ForceReconfigure,
		}
	}
	return st
}

func toClientDocument(key string, st ClientGrainState) clientDocument {
	doc := clientDocument{
		Handle:                   key,
		PendingMessagesPersisted: st.PendingMessagesPersisted,
		LastModified:             st.LastModified,
	}
	if len(st.TrackedAgents) > 0 {
		doc.TrackedAgents = make(map[string]trackedAgentDoc, len(st.TrackedAgents))
		for h, ta := range st.TrackedAgents {
			doc.TrackedAgents[h] = trackedAgentDoc{Handle: ta.Handle, AgentType: ta.AgentType}
		}
	}
	if len(st.PendingMessages) > 0 {
		doc.PendingMessages = make([]agentMessageDoc, len(st.PendingMessages))
		for i, m := range st.PendingMessages {
			doc.PendingMessages[i] = agentMessageDoc{
				FromHandle:  m.FromHandle,
				ToHandle:    m.ToHandle,
				Message:     m.Message,
				MessageType: m.MessageType,
				Kind:        string(m.Kind),
				Channel:     m.Channel,
				Args:        m.Args,
			}
		}
	}
	return doc
}

func fromClientDocument(doc clientDocument) ClientGrainState {
	st := ClientGrainState{
		TrackedAgents:            make(map[string]TrackedAgent, len(doc.TrackedAgents)),
		PendingMessagesPersisted: doc.PendingMessagesPersisted,
		LastModified:             doc.LastModified,
	}
	for h, ta := range doc.TrackedAgents {
		st.TrackedAgents[h] = TrackedAgent{Handle: ta.Handle, AgentType: ta.AgentType}
	}
	if len(doc.PendingMessages) > 0 {
		st.PendingMessages = make([]messaging.AgentMessage, len(doc.PendingMessages))
		for i, m := range doc.PendingMessages {
			st.PendingMessages[i] = messaging.AgentMessage{
				FromHandle:  m.FromHandle,
				ToHandle:    m.ToHandle,
				Message:     m.Message,
				MessageType: m.MessageType,
				Kind:        messaging.Kind(m.Kind),
				Channel:     m.Channel,
				Args:        m.Args,
			}
		}
	}
	return st
}
