package graph

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/pollitago/pollitago/config"
	"github.com/pollitago/pollitago/internal/service"
	"github.com/pollitago/pollitago/internal/settlement"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema            *graphql.Schema
	handler           *relay.Handler
	engine            *gin.Engine
	resolver          *Resolver
	settlementService *settlement.SettlementService
	graphqlPath       string
}

// GraphQL Schema定义
const schemaString = `
type PollOption {
  optionId: Int!
  label: String!
  voteCount: Int!
}

type Poll {
  id: ID!
  question: String!
  options: [PollOption!]!
  pledged: Boolean!
  pledgeAmountCents: Float!
  endsAt: String!
  isProcessed: Boolean!
  createdBy: String!
  createdAt: String!
}

type UserPoints {
  userId: String!
  points: Float!
  updatedAt: String!
}

type VoteResponse {
  success: Boolean!
  message: String!
  pollId: ID!
  optionId: Int!
  timestamp: String!
}

input CreatePollInput {
  question: String!
  options: [String!]!
  pledged: Boolean!
  pledgeAmountCents: Float
  endsAt: String!
  createdBy: String!
}

input CastVoteInput {
  pollId: ID!
  optionId: Int!
  userId: String!
}

type Query {
  # 获取单个投票
  poll(id: ID!): Poll!

  # 获取投票列表
  polls(limit: Int): [Poll!]!

  # 查询用户积分
  userPoints(userId: String!): UserPoints!
}

type Mutation {
  # 创建投票
  createPoll(input: CreatePollInput!): Poll!

  # 投票
  castVote(input: CastVoteInput!): VoteResponse!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(
	pollService *service.PollService,
	settlementService *settlement.SettlementService,
	cfg *config.Config,
) *GraphQLServer {
	resolver := NewResolver(pollService)

	// 解析Schema并创建GraphQL实例
	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	handler := &relay.Handler{Schema: schema}

	engine := gin.Default()

	server := &GraphQLServer{
		schema:            schema,
		handler:           handler,
		engine:            engine,
		resolver:          resolver,
		settlementService: settlementService,
		graphqlPath:       cfg.GraphQL.Path,
	}

	server.registerRoutes()

	return server
}

// registerRoutes 注册HTTP路由
func (s *GraphQLServer) registerRoutes() {
	// GraphQL API端点
	s.engine.POST(s.graphqlPath, gin.WrapH(s.handler))

	// GraphQL Playground
	s.engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(playgroundHTML))
	})

	// 健康检查
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 运维端点: 手动触发一轮结算扫描
	s.engine.POST("/ops/settle", func(c *gin.Context) {
		results, err := s.settlementService.SettleDuePolls(time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"settled": len(results), "results": results})
	})
}

// Start 启动HTTP服务器
func (s *GraphQLServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("GraphQL服务已启动，API端点: %s, Playground: http://localhost%s/", s.graphqlPath, addr)

	return s.engine.Run(addr)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Pollitago GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%;
        width: 100%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading">
      <span class="title">Pollitago GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '/graphql'
      })
    })</script>
</body>
</html>
`
