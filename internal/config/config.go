package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rqlite/rqlite/v8/random"
)

type Config struct {
	Server      Server      `yaml:"server" json:"server"` // configuration of the public REST server
	Name        string      `yaml:"name" json:"name" env:"APP_NAME" env-default:"zencond"` // used for OTEL as an application identifier
	Cluster     Cluster     `yaml:"cluster" json:"cluster"`
	Engine      Engine      `yaml:"engine" json:"engine"`
	Tracing     Tracing     `yaml:"tracing" json:"tracing"`
	Identity    Identity    `yaml:"identity" json:"identity"`
	Deployments Deployments `yaml:"deployments" json:"deployments"`
}

type Cluster struct {
	// Bootstrap makes this node form a new single node cluster when it has no state yet
	Bootstrap bool   `yaml:"bootstrap" json:"bootstrap" env:"CLUSTER_BOOTSTRAP" env-default:"true"`
	RaftAddr  string `yaml:"raftAddress" json:"raftAddress" env:"CLUSTER_RAFT_ADDR" env-default:":8090"`
	RaftDir   string `yaml:"raftDir" json:"raftDir" env:"CLUSTER_RAFT_DIR"`
	NodeId    string `yaml:"nodeId" json:"nodeId" env:"CLUSTER_NODE_ID"`
	// Peers are the other voters of a bootstrapped cluster as id=host:port
	Peers []string `yaml:"peers" json:"peers" env:"CLUSTER_PEERS"`
	// ApplyTimeout bounds how long a command waits for the replicated log
	ApplyTimeout time.Duration `yaml:"applyTimeout" json:"applyTimeout" env:"CLUSTER_APPLY_TIMEOUT" env-default:"5s"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
	// AllowedOrigins of browser requests, every origin when empty
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins" env:"REST_API_ALLOWED_ORIGINS"`
}

type Engine struct {
	DefinitionCacheSize int           `yaml:"definitionCacheSize" json:"definitionCacheSize" env:"ENGINE_DEFINITION_CACHE_SIZE" env-default:"256"`
	DefinitionCacheTTL  time.Duration `yaml:"definitionCacheTtl" json:"definitionCacheTtl" env:"ENGINE_DEFINITION_CACHE_TTL" env-default:"30m"`
	// RecordBuffer is the number of recent records kept for the records endpoint
	RecordBuffer int `yaml:"recordBuffer" json:"recordBuffer" env:"ENGINE_RECORD_BUFFER" env-default:"1000"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Name     string `yaml:"name" json:"name" env:"OTEL_SERVICE_NAME" env-default:"zencond"`
	// TransferHeaders are copied from requests into span attributes
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"OTEL_TRANSFER_HEADERS"`
	// SampleRatio of root spans, child spans follow their parent
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio" env:"OTEL_SAMPLE_RATIO" env-default:"1"`
}

// Identity configures the bearer token authentication of the REST API. When
// disabled every request is allowed to do everything in every tenant.
type Identity struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" env:"IDENTITY_ENABLED"`
	JwtSecret string `yaml:"jwtSecret" json:"-" env:"IDENTITY_JWT_SECRET"`
	Issuer    string `yaml:"issuer" json:"issuer" env:"IDENTITY_JWT_ISSUER"`
	// Users grants permissions and tenants to token subjects on top of the
	// claims carried by the token
	Users []User `yaml:"users" json:"users"`
}

type User struct {
	Username string   `yaml:"username" json:"username"`
	Tenants  []string `yaml:"tenants" json:"tenants"`
	Grants   []Grant  `yaml:"grants" json:"grants"`
}

type Grant struct {
	Permission   string   `yaml:"permission" json:"permission"`
	ResourceType string   `yaml:"resourceType" json:"resourceType"`
	ResourceIds  []string `yaml:"resourceIds" json:"resourceIds"`
}

// Deployments configures the directory watcher which deploys every BPMN file
// of the directory and redeploys it on change.
type Deployments struct {
	Dir      string `yaml:"dir" json:"dir" env:"DEPLOYMENTS_DIR"`
	TenantId string `yaml:"tenantId" json:"tenantId" env:"DEPLOYMENTS_TENANT_ID"`
}

func (c Config) defaults() Config {
	if c.Cluster.NodeId == "" {
		c.Cluster.NodeId = random.String()
	}
	if c.Cluster.RaftDir == "" {
		c.Cluster.RaftDir = c.Cluster.NodeId
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

// InitConfig reads the configuration file, CONFIG_FILE or conf.yaml in the
// working directory when fileName is empty. Environment variables override
// the file.
func InitConfig(fileName string) Config {
	c, err := ReadConfig(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}

func ReadConfig(fileName string) (Config, error) {
	c := Config{}
	if fileName == "" {
		fileName = os.Getenv("CONFIG_FILE")
	}
	if fileName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, err
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, err
	}
	return c.defaults(), nil
}
