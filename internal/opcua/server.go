package opcua

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/cell-sequencer/internal/core"
)

const (
	applicationURI = "urn:cell-sequencer:load-cell"
	productURI     = "urn:cell-sequencer"
)

// NamespaceNodes holds nodes for a specific namespace
type NamespaceNodes struct {
	Namespace  uint16
	FolderName string
	FolderDesc string
	NodeDefs   []core.NodeDefinition // kept for deferred registration
	VarNodes   map[string]*server.VariableNode
	Values     map[string]interface{}
}

// Server wraps the OPC UA server and keeps the last value of every node, so
// values stay readable when the endpoint could not be started.
type Server struct {
	srv      *server.Server
	port     int
	cellName string
	pkiDir   string
	mu       sync.RWMutex

	namespaces map[uint16]*NamespaceNodes
}

// NewServer creates a new OPC UA server. Certificates are generated into
// pkiDir on first start.
func NewServer(port int, cellName, pkiDir string) (*Server, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("opc ua port out of range: %d", port)
	}
	if pkiDir == "" {
		pkiDir = "./pki"
	}
	return &Server{
		port:       port,
		cellName:   cellName,
		pkiDir:     pkiDir,
		namespaces: make(map[uint16]*NamespaceNodes),
	}, nil
}

func (s *Server) certFile() string { return filepath.Join(s.pkiDir, "server.crt") }
func (s *Server) keyFile() string  { return filepath.Join(s.pkiDir, "server.key") }

// ensurePKI creates the PKI directory and a self-signed certificate if they don't exist
func (s *Server) ensurePKI() error {
	if _, err := os.Stat(s.certFile()); err == nil {
		log.Info().Str("certFile", s.certFile()).Msg("Using existing PKI certificates")
		return nil
	}

	log.Info().Msg("Generating self-signed certificates for OPC UA server")

	if err := os.MkdirAll(s.pkiDir, 0o755); err != nil {
		return fmt.Errorf("failed to create PKI directory: %w", err)
	}
	return createSelfSignedCert(s.cellName, s.certFile(), s.keyFile())
}

// createSelfSignedCert generates a self-signed certificate for the OPC UA server
func createSelfSignedCert(appName, certPath, keyPath string) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   appName,
			Organization: []string{"Cell Sequencer"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", appName, "cell-sequencer"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("0.0.0.0")},
		// OPC UA clients match the application URI against this SAN
		URIs: []*url.URL{{Scheme: "urn", Opaque: "cell-sequencer:load-cell"}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := writePEM(certPath, 0o644, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(privateKey)
	if err := writePEM(keyPath, 0o600, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}); err != nil {
		return err
	}

	log.Info().
		Str("certPath", certPath).
		Str("keyPath", keyPath).
		Msg("Self-signed certificates generated successfully")
	return nil
}

func writePEM(path string, perm os.FileMode, block *pem.Block) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// Start starts the OPC UA endpoint. Failing to create the endpoint is not
// fatal: values are still kept and served through GetNamespaceValue.
func (s *Server) Start(ctx context.Context) error {
	endpoint := fmt.Sprintf("opc.tcp://0.0.0.0:%d", s.port)

	log.Info().
		Int("port", s.port).
		Str("endpoint", endpoint).
		Msg("Starting OPC UA server")

	if err := s.ensurePKI(); err != nil {
		log.Warn().Err(err).Msg("Failed to create PKI - OPC UA server disabled")
		return nil
	}

	var srv *server.Server
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warn().
					Interface("panic", r).
					Msg("OPC UA server creation panicked - running in value storage mode only")
			}
		}()

		var err error
		srv, err = server.New(
			ua.ApplicationDescription{
				ApplicationURI:  applicationURI,
				ProductURI:      productURI,
				ApplicationName: ua.LocalizedText{Text: s.cellName, Locale: "en"},
				ApplicationType: ua.ApplicationTypeServer,
			},
			s.certFile(),
			s.keyFile(),
			endpoint,
			server.WithAnonymousIdentity(true),
			server.WithSecurityPolicyNone(true),
			server.WithInsecureSkipVerify(),
		)
		if err != nil {
			log.Warn().
				Err(err).
				Msg("OPC UA server creation failed - running in value storage mode only")
			srv = nil
		}
	}()

	if srv == nil {
		return nil
	}

	s.mu.Lock()
	s.srv = srv
	nodeCount := 0
	for _, ns := range s.namespaces {
		s.addNodes(ns)
		nodeCount += len(ns.NodeDefs)
	}
	s.mu.Unlock()
	log.Info().Int("count", nodeCount).Msg("OPC UA nodes registered in address space")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("OPC UA server panic")
			}
		}()
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("OPC UA server error")
		}
	}()

	log.Info().Msg("OPC UA server started successfully")
	return nil
}

// Stop stops the OPC UA server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

// Ready reports whether the OPC UA endpoint is serving.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srv != nil
}

// RegisterNamespace creates a namespace with a root folder and variable
// nodes. Before Start the definitions are stored and added on start.
func (s *Server) RegisterNamespace(nsIndex uint16, folderName, folderDesc string, nodes []core.NodeDefinition) error {
	if folderName == "" {
		return fmt.Errorf("namespace %d needs a folder name", nsIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.namespaces[nsIndex]; ok {
		return fmt.Errorf("namespace %d already registered", nsIndex)
	}

	ns := &NamespaceNodes{
		Namespace:  nsIndex,
		FolderName: folderName,
		FolderDesc: folderDesc,
		NodeDefs:   nodes,
		VarNodes:   make(map[string]*server.VariableNode),
		Values:     make(map[string]interface{}),
	}
	for _, nodeDef := range nodes {
		ns.Values[nodeDef.Name] = nodeDef.InitialValue
	}
	s.namespaces[nsIndex] = ns

	if s.srv != nil {
		s.addNodes(ns)
	}
	return nil
}

// addNodes creates the folder and variable nodes of ns in the address space.
// Must be called with s.mu held and s.srv set.
func (s *Server) addNodes(ns *NamespaceNodes) {
	nm := s.srv.NamespaceManager()
	nsIndex := ns.Namespace

	folder := server.NewObjectNode(
		s.srv,
		ua.NodeIDString{NamespaceIndex: nsIndex, ID: ns.FolderName},
		ua.QualifiedName{NamespaceIndex: nsIndex, Name: ns.FolderName},
		ua.LocalizedText{Text: ns.FolderName},
		ua.LocalizedText{Text: ns.FolderDesc},
		nil,
		[]ua.Reference{
			{
				ReferenceTypeID: ua.ReferenceTypeIDOrganizes,
				IsInverse:       true,
				TargetID:        ua.ExpandedNodeID{NodeID: ua.ObjectIDObjectsFolder},
			},
		},
		0,
	)
	nm.AddNode(folder)

	now := time.Now().UTC()
	for _, nodeDef := range ns.NodeDefs {
		varNode := server.NewVariableNode(
			s.srv,
			ua.NodeIDString{NamespaceIndex: nsIndex, ID: ns.FolderName + "." + nodeDef.Name},
			ua.QualifiedName{NamespaceIndex: nsIndex, Name: nodeDef.Name},
			ua.LocalizedText{Text: nodeDef.DisplayName},
			ua.LocalizedText{Text: nodeDef.Description},
			nil,
			[]ua.Reference{
				{
					ReferenceTypeID: ua.ReferenceTypeIDHasComponent,
					IsInverse:       true,
					TargetID:        ua.ExpandedNodeID{NodeID: ua.NodeIDString{NamespaceIndex: nsIndex, ID: ns.FolderName}},
				},
			},
			ua.NewDataValue(ns.Values[nodeDef.Name], 0, now, 0, now, 0),
			core.OPCUADataType(nodeDef.DataType),
			ua.ValueRankScalar,
			[]uint32{},
			ua.AccessLevelsCurrentRead,
			250.0,
			false,
			nil,
		)
		nm.AddNode(varNode)
		ns.VarNodes[nodeDef.Name] = varNode
	}

	log.Info().
		Uint16("namespace", nsIndex).
		Str("folder", ns.FolderName).
		Int("nodes", len(ns.NodeDefs)).
		Msg("Registered OPC UA namespace")
}

// UpdateNamespaceValues updates all values for a namespace. Names without a
// registered node are ignored.
func (s *Server) UpdateNamespaceValues(nsIndex uint16, values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[nsIndex]
	if !ok {
		return
	}

	now := time.Now().UTC()
	for name, value := range values {
		if _, known := ns.Values[name]; !known {
			continue
		}
		ns.Values[name] = value
		if varNode, ok := ns.VarNodes[name]; ok {
			varNode.SetValue(ua.NewDataValue(value, 0, now, 0, now, 0))
		}
	}
}

// GetNamespaceValue returns a value from a namespace
func (s *Server) GetNamespaceValue(nsIndex uint16, name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[nsIndex]
	if !ok {
		return nil, false
	}

	value, ok := ns.Values[name]
	return value, ok
}
